// Package sessions implements the MCP session engine: the connection state
// machine, dispatch of inbound requests to registered handlers, cooperative
// cancellation of in-flight work, progress reporting, server-initiated
// requests, and resumable delivery of every outbound message.
//
// A Session is transport agnostic. Transports feed it inbound frames through
// HandleMessage and receive outbound frames by attaching a MessageWriter to
// one of its streams:
//
//	reg := sessions.NewRegistry()
//	_ = reg.HandleFunc("tools/call", callTool)
//	sess := sessions.New(reg, sessions.WithLogger(log))
//	detach, _ := sess.Attach(ctx, sess.PrimaryStream(), writer)
//	defer detach()
//	for frame := range frames {
//	    _ = sess.HandleMessage(ctx, frame)
//	}
//
// # Streams and resumption
//
// Outbound messages are appended to an eventstore.Store before being written
// to the attached writer. Each message therefore carries an event ID
// ("<stream>/<seq>"). A transport that lost its connection re-attaches with
// ResumeAfter and receives every message it missed, in order, before any new
// message. Positions that are no longer retained produce
// eventstore.ErrStaleCursor; the peer must start a new session.
//
// # Cancellation
//
// Every request other than initialize runs in its own goroutine with a
// context that is cancelled when the peer sends notifications/cancelled for
// its ID or when the session closes. Handlers observe cancellation through
// Request.Checkpoint (or the context). Once a cancellation is accepted the
// session never sends a response for that request.
package sessions
