// Package stdio implements a single-connection MCP transport over
// stdin/stdout. It is intended for embedding servers as subprocesses, local
// development, and environments where spawning a child process and piping JSON
// is simpler than running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : one per Serve call, closed on EOF
//	Framing          : newline-delimited JSON-RPC
//
// Options allow supplying alternate io.Reader / io.Writer or a custom logger.
//
// Example:
//
//	reg := sessions.NewRegistry()
//	_ = reg.Handle("tools/list", listTools)
//	h := stdio.NewHandler(reg)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// For multi-session deployments that must survive reconnects prefer the
// streaming HTTP or WebSocket transports, which resume from the session's
// event log.
package stdio
