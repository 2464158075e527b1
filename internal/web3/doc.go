// Package web3 holds the chain-facing abstractions shared by the gateway:
// the RPC backend interface consumed by the connection manager, the asset
// kinds used by the authorization policy, and the immutable address book.
package web3
