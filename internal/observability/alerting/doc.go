// Package alerting delivers operator alerts for failed ticks. Events fan out
// to every configured notifier; the log notifier is always present and a
// RabbitMQ notifier publishes JSON events to a topic exchange.
package alerting
