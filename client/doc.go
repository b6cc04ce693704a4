// Package client is the requesting side of an MCP session. It performs the
// handshake, issues requests with progress, cancellation and timeouts,
// follows pagination cursors, and serves the requests a server sends back
// (sampling, elicitation, roots, ping).
//
// A Client is transport-agnostic: outbound frames go to a Transport and
// inbound frames are fed to HandleMessage. ReadLoop and NewLineTransport
// cover newline-delimited streams such as a child process's stdio; the
// websocket package provides Dial.
package client
