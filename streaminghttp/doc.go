// Package streaminghttp implements the MCP streamable HTTP transport. It
// mounts as a standard net/http handler over sessions owned by a
// sessions.Manager.
//
// # Requests
//
//   - POST without Mcp-Session-Id must carry initialize. A session is
//     created, the result is returned as JSON and the session ID is set in
//     the Mcp-Session-Id response header.
//   - POST of a request opens a Server-Sent Events response scoped to that
//     request. Progress notifications, requests the handler sends to the
//     client and finally the response are written there. Each event carries
//     an id of the form <stream>/<seq>.
//   - POST of a notification or a response answers 202 Accepted.
//   - GET opens the session's primary stream. With Last-Event-ID the stream
//     named by the ID (primary or request-scoped) is resumed after that
//     position; a position no longer retained answers 409 Conflict.
//   - DELETE closes the session.
//
// # Session lifetimes
//
// A session is independent of the HTTP requests that reach it. A client
// that disconnects mid-request does not cancel the operation; the response
// is retained and can be fetched with GET and Last-Event-ID.
//
// Example (mount in net/http):
//
//	mgr := sessions.NewManager(reg)
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", streaminghttp.New(mgr, streaminghttp.WithPath("/mcp")))
//	http.ListenAndServe(":8080", mux)
package streaminghttp
