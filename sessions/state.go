package sessions

import (
	"fmt"

	"github.com/ggoodman/mcp-session-go/mcp"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateUninitialized accepts only initialize and ping.
	StateUninitialized State = iota
	// StateNegotiating follows the initialize response and lasts until the
	// peer confirms with notifications/initialized.
	StateNegotiating
	// StateReady carries traffic in both directions.
	StateReady
	// StateClosing rejects new work while in-flight work is failed.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CapabilitySet is the feature set fixed at the end of the handshake.
// Server-side flags reflect the registered handlers; client-side flags
// reflect what the peer advertised.
type CapabilitySet struct {
	Tools       bool
	Resources   bool
	Prompts     bool
	Logging     bool
	Completions bool

	Sampling         bool
	Elicitation      bool
	Roots            bool
	RootsListChanged bool
}

func negotiate(server mcp.ServerCapabilities, client mcp.ClientCapabilities) CapabilitySet {
	cs := CapabilitySet{
		Tools:       server.Tools != nil,
		Resources:   server.Resources != nil,
		Prompts:     server.Prompts != nil,
		Logging:     server.Logging != nil,
		Completions: server.Completions != nil,
		Sampling:    client.Sampling != nil,
		Elicitation: client.Elicitation != nil,
	}
	if client.Roots != nil {
		cs.Roots = true
		cs.RootsListChanged = client.Roots.ListChanged
	}
	return cs
}
