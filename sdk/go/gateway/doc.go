// Package gateway is a small client for the EVM gateway approval API. It lets
// an operator or an agent host list pending confirmations, decide and resume
// them, call tools over HTTP and read the operation journal.
package gateway
