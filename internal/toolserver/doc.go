// Package toolserver exposes the gateway operations as MCP tools.
//
// Every tool returns plain text. Domain failures are rendered as
// "Error [CODE]: message" results rather than protocol errors, and the two
// transfer tools only create a pending confirmation; the transfer itself runs
// when the confirmation is approved and resumed.
package toolserver
