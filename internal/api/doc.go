// Package api exposes the approval REST interface: listing and deciding
// pending confirmations, resuming single operations or whole runs, invoking
// tools over HTTP and reading the operation journal.
package api
