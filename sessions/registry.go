package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-session-go/cursor"
	"github.com/ggoodman/mcp-session-go/mcp"
)

// RequestHandler serves one request method. The returned value is marshaled
// as the JSON-RPC result.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *Request) (any, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, req *Request) (any, error)

func (f RequestHandlerFunc) HandleRequest(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// Notification is an inbound notification delivered to a NotificationHandler.
type Notification struct {
	Method  string
	Params  json.RawMessage
	Session *Session
}

// NotificationHandler serves one notification method. Notifications are
// delivered synchronously in the order they were received.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n *Notification) error
}

// NotificationHandlerFunc adapts a function to NotificationHandler.
type NotificationHandlerFunc func(ctx context.Context, n *Notification) error

func (f NotificationHandlerFunc) HandleNotification(ctx context.Context, n *Notification) error {
	return f(ctx, n)
}

// methods the session serves itself
var reservedMethods = map[string]bool{
	string(mcp.InitializeMethod):              true,
	string(mcp.InitializedNotificationMethod): true,
	string(mcp.PingMethod):                    true,
	string(mcp.CancelledNotificationMethod):   true,
	string(mcp.ProgressNotificationMethod):    true,
	string(mcp.LoggingSetLevelMethod):         true,
}

// Registry maps method names to handlers. It is populated before the first
// session is constructed from it and is immutable afterwards.
type Registry struct {
	mu            sync.RWMutex
	frozen        bool
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
	}
}

// Handle registers h for method.
func (r *Registry) Handle(method string, h RequestHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRegister(method); err != nil {
		return err
	}
	if _, ok := r.requests[method]; ok {
		return fmt.Errorf("handler for %q already registered", method)
	}
	r.requests[method] = h
	return nil
}

// HandleFunc registers fn for method.
func (r *Registry) HandleFunc(method string, fn func(ctx context.Context, req *Request) (any, error)) error {
	return r.Handle(method, RequestHandlerFunc(fn))
}

// HandleNotification registers h for the notification method.
func (r *Registry) HandleNotification(method string, h NotificationHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRegister(method); err != nil {
		return err
	}
	if _, ok := r.notifications[method]; ok {
		return fmt.Errorf("notification handler for %q already registered", method)
	}
	r.notifications[method] = h
	return nil
}

func (r *Registry) checkRegister(method string) error {
	if r.frozen {
		return ErrRegistryFrozen
	}
	if method == "" {
		return fmt.Errorf("empty method name")
	}
	if reservedMethods[method] {
		return fmt.Errorf("method %q is served by the session", method)
	}
	return nil
}

// Freeze prevents further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether the registry accepts registrations.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *Registry) lookupRequest(method string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.requests[method]
	return h, ok
}

func (r *Registry) lookupNotification(method string) (NotificationHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.notifications[method]
	return h, ok
}

func (r *Registry) has(methods ...mcp.Method) bool {
	for _, m := range methods {
		if _, ok := r.requests[string(m)]; ok {
			return true
		}
	}
	return false
}

// ServerCapabilities derives the advertised capabilities from the
// registered methods.
func (r *Registry) ServerCapabilities() mcp.ServerCapabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := mcp.ServerCapabilities{Logging: &struct{}{}}
	if r.has(mcp.ToolsListMethod, mcp.ToolsCallMethod) {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true}
	}
	if r.has(mcp.ResourcesListMethod, mcp.ResourcesReadMethod, mcp.ResourcesTemplatesListMethod) {
		caps.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{ListChanged: true}
	}
	if r.has(mcp.PromptsListMethod, mcp.PromptsGetMethod) {
		caps.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true}
	}
	if r.has(mcp.CompletionCompleteMethod) {
		caps.Completions = &struct{}{}
	}
	return caps
}

// ListFunc produces one page of a list method. token is the cursor the
// peer presented, empty for the first page.
type ListFunc[T any] func(ctx context.Context, req *Request, token string) (cursor.Page[T], error)

// List adapts fn into a handler for a list method whose result carries the
// page under itemsKey and the continuation under nextCursor.
func List[T any](itemsKey string, fn ListFunc[T]) RequestHandler {
	return RequestHandlerFunc(func(ctx context.Context, req *Request) (any, error) {
		var params mcp.PaginatedRequest
		if err := req.DecodeParams(&params); err != nil {
			return nil, err
		}
		page, err := fn(ctx, req, params.Cursor)
		if err != nil {
			return nil, err
		}
		items := page.Items
		if items == nil {
			items = []T{}
		}
		res := map[string]any{itemsKey: items}
		if page.NextCursor != nil {
			res["nextCursor"] = *page.NextCursor
		}
		return res, nil
	})
}

// SourceFunc returns the full, ordered collection behind a list method and
// the query describing it.
type SourceFunc[T any] func(ctx context.Context, req *Request) ([]T, cursor.Query, error)

// PaginatedList serves a list method by slicing the collection returned by
// source with p.
func PaginatedList[T any](itemsKey string, p *cursor.Paginator[T], source SourceFunc[T]) RequestHandler {
	return List(itemsKey, func(ctx context.Context, req *Request, token string) (cursor.Page[T], error) {
		items, q, err := source(ctx, req)
		if err != nil {
			return cursor.Page[T]{}, err
		}
		return p.Page(items, token, q)
	})
}
