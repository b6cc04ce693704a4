// Package websocket carries MCP sessions over WebSocket connections.
//
// Every message is one text frame. A connection opened without query
// parameters creates a session whose ID is returned in the Mcp-Session-Id
// handshake header. The session outlives the connection: reconnecting with
// ?sessionId=<id>&lastEventId=<id>/<seq> replays the frames the previous
// connection missed and continues live. Frames on a connection carry the
// session's primary stream in order, so the n-th frame ever delivered has
// sequence n and clients can track their position by counting. A position
// that is no longer retained is answered with a JSON-RPC error frame
// carrying code -32001, after which the server closes the connection.
package websocket
