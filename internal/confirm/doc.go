// Package confirm implements the human-in-the-loop confirmation machine.
//
// A sensitive tool call is suspended as a pending Confirmation. An operator
// decides it once, after which a resume claims the record and runs the
// registered executor at most once. Confirmations that outlive their TTL are
// refused and purged by the sweeper.
package confirm
