// Package config loads VaultTrader's startup configuration from an optional
// JSON file and environment variables. Any missing or malformed required
// setting is reported as CONFIG_INVALID, which is fatal for the process.
package config
