// Package web3 defines the chain adapter contract used by the tokenization
// bridge, together with chain definitions and the confirmation poller shared
// by concrete adapters. Implementations live in sub-packages: ethereum for EVM
// networks, memchain for an in-process ledger, and guard for the circuit
// breaker and rate limiting decorator. provider assembles them per chain.
package web3
