// Package web3 houses blockchain connectivity for the trading loop: chain
// definitions loaded from YAML, the Client abstraction the executors talk to,
// and log subscription helpers. Concrete EVM clients live in the ethereum
// subpackage and the contract binding in contracts.
package web3
