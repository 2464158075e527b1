// Package gateway implements the chain-facing operations of the service:
// balance and gas price reads, and native or ERC20 transfers.
//
// Every transfer is validated and authorized before any chain access, then
// built and broadcast inside a single Sequencer region so concurrent callers
// never share a nonce. Submissions return as soon as the node accepts the
// transaction; callers that need finality poll separately.
package gateway
