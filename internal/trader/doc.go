// Package trader runs the trading loop. Each tick submits a buy leg, waits
// for its confirmation, then submits and confirms the opposite sell leg.
// A single-worker scheduler serializes ticks under a credential run-lock, and
// executors either drive the deployed vault contract or an in-process vault
// for paper trading.
package trader
