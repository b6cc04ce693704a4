// Package mcp contains the protocol vocabulary shared by the session engine,
// its transports and its clients: method names, handshake payloads,
// capability sets, and the parameters of the cancellation, progress and
// pagination utilities.
//
// The package is free of transport and session logic. Payloads the engine
// does not interpret (delegated sampling and elicitation requests) are kept
// as json.RawMessage so they pass through unchanged.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Pagination
//
// List operations take an optional opaque cursor and return a page of items
// with an optional nextCursor. Absence of nextCursor marks the final page.
//
//	var req mcp.PaginatedRequest
//	// ... decode params ...
//	page := mcp.ListToolsResult{Tools: tools, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}
//
// # Compatibility
//
// SupportedProtocolVersions lists the protocol revisions the engine accepts,
// newest first. NegotiateProtocolVersion picks the revision a session runs.
package mcp
