// Package api exposes the daemon's HTTP surface: tick history for operators,
// a health probe and the Prometheus scrape endpoint.
package api
