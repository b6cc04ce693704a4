package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-go/cursor"
	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/sessions"
)

// connect wires a client directly to a server session.
func connect(t *testing.T, reg *sessions.Registry, opts ...Option) (*Client, *sessions.Session) {
	t.Helper()
	sess := sessions.New(reg)
	c := New(TransportFunc(func(ctx context.Context, msg []byte) error {
		return sess.HandleMessage(ctx, msg)
	}), opts...)
	if _, err := sess.Attach(context.Background(), sess.PrimaryStream(), sessions.MessageWriterFunc(func(ctx context.Context, eventID string, msg []byte) error {
		return c.HandleMessage(ctx, msg)
	})); err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sess.Close(ctx)
	})
	return c, sess
}

type toolServer struct {
	started chan struct{}
	causes  chan error
}

func newToolServer(t *testing.T, tools int, pageSize int) (*sessions.Registry, *toolServer) {
	t.Helper()
	codec, err := cursor.NewRandomCodec()
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	list := make([]mcp.Tool, tools)
	for i := range list {
		list[i] = mcp.Tool{Name: fmt.Sprintf("t%02d", i), InputSchema: mcp.ToolInputSchema{Type: "object"}}
	}
	ts := &toolServer{started: make(chan struct{}, 4), causes: make(chan error, 4)}

	reg := sessions.NewRegistry()
	_ = reg.Handle(string(mcp.ToolsListMethod), sessions.PaginatedList("tools", cursor.NewPaginator[mcp.Tool](codec, pageSize),
		func(ctx context.Context, req *sessions.Request) ([]mcp.Tool, cursor.Query, error) {
			return list, cursor.Query{Fingerprint: cursor.Fingerprint("tools")}, nil
		}))
	_ = reg.HandleFunc(string(mcp.ToolsCallMethod), func(ctx context.Context, req *sessions.Request) (any, error) {
		var params mcp.CallToolRequest
		if err := req.DecodeParams(&params); err != nil {
			return nil, err
		}
		switch params.Name {
		case "count":
			for i := 1; i <= 3; i++ {
				if err := req.ReportProgress(float64(i), 3, ""); err != nil {
					return nil, err
				}
			}
			return mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "counted"}}}, nil
		case "block":
			ts.started <- struct{}{}
			<-ctx.Done()
			err := req.Checkpoint()
			ts.causes <- err
			return nil, err
		case "sample":
			raw, err := req.Session().CreateMessage(ctx, json.RawMessage(`{"messages":[{"role":"user","content":{"type":"text","text":"hi"}}],"maxTokens":3}`))
			if err != nil {
				return nil, err
			}
			return mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: string(raw)}}}, nil
		case "elicit":
			_, err := req.Session().Elicit(ctx, json.RawMessage(`{"message":"name?"}`))
			return nil, err
		}
		return nil, sessions.NewError(-32602, "unknown tool", nil)
	})
	return reg, ts
}

func TestClient_InitializeAndListAll(t *testing.T) {
	t.Parallel()

	reg, _ := newToolServer(t, 7, 3)
	c, sess := connect(t, reg, WithClientInfo(mcp.ImplementationInfo{Name: "tester", Version: "1"}))
	ctx := context.Background()

	if _, err := c.ListTools(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	res, err := c.Initialize(ctx)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.Capabilities.Tools == nil {
		t.Fatalf("expected tools capability")
	}
	if sess.State() != sessions.StateReady || sess.ClientInfo().Name != "tester" {
		t.Fatalf("unexpected server view: state=%s info=%+v", sess.State(), sess.ClientInfo())
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if got := strings.Join(names, ","); got != "t00,t01,t02,t03,t04,t05,t06" {
		t.Fatalf("unexpected listing %s", got)
	}

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := sess.Ping(ctx); err != nil {
		t.Fatalf("server ping: %v", err)
	}
}

func TestClient_ListAllDetectsCursorLoop(t *testing.T) {
	t.Parallel()

	reg := sessions.NewRegistry()
	_ = reg.HandleFunc(string(mcp.PromptsListMethod), func(ctx context.Context, req *sessions.Request) (any, error) {
		return map[string]any{"prompts": []mcp.Prompt{{Name: "p"}}, "nextCursor": "same"}, nil
	})
	c, _ := connect(t, reg)
	ctx := context.Background()
	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := ListAll[mcp.Prompt](ctx, c, string(mcp.PromptsListMethod), "prompts"); !errors.Is(err, ErrCursorLoop) {
		t.Fatalf("expected ErrCursorLoop, got %v", err)
	}
}

func TestClient_Progress(t *testing.T) {
	t.Parallel()

	reg, _ := newToolServer(t, 1, 10)
	c, _ := connect(t, reg)
	ctx := context.Background()
	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var (
		mu     sync.Mutex
		values []float64
	)
	res, err := c.CallTool(ctx, "count", nil, WithProgress(func(p mcp.ProgressNotificationParams) {
		mu.Lock()
		values = append(values, p.Progress)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Content[0].Text != "counted" {
		t.Fatalf("unexpected result %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(values) != 3 || values[0] != 1 || values[2] != 3 {
		t.Fatalf("unexpected progress %v", values)
	}
}

func TestClient_Cancellation(t *testing.T) {
	t.Parallel()

	t.Run("context cancel", func(t *testing.T) {
		t.Parallel()
		reg, ts := newToolServer(t, 1, 10)
		c, _ := connect(t, reg)
		if _, err := c.Initialize(context.Background()); err != nil {
			t.Fatalf("initialize: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		errs := make(chan error, 1)
		go func() {
			_, err := c.CallTool(ctx, "block", nil)
			errs <- err
		}()
		<-ts.started
		cancel()

		if err := <-errs; !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
		select {
		case cause := <-ts.causes:
			if !errors.Is(cause, sessions.ErrCancelled) {
				t.Fatalf("expected server-side cancellation, got %v", cause)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("server handler was not cancelled")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		reg, ts := newToolServer(t, 1, 10)
		c, _ := connect(t, reg)
		if _, err := c.Initialize(context.Background()); err != nil {
			t.Fatalf("initialize: %v", err)
		}

		_, err := c.CallTool(context.Background(), "block", nil, WithCallTimeout(20*time.Millisecond))
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
		select {
		case cause := <-ts.causes:
			if !strings.Contains(cause.Error(), "timeout") {
				t.Fatalf("expected timeout reason, got %v", cause)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("server handler was not cancelled")
		}
	})
}

func TestClient_SendAndCancel(t *testing.T) {
	t.Parallel()

	reg, ts := newToolServer(t, 1, 10)
	c, _ := connect(t, reg)
	ctx := context.Background()

	if _, err := c.Send(ctx, string(mcp.PingMethod), nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	call, err := c.Send(ctx, string(mcp.ToolsCallMethod), map[string]any{"name": "block"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	<-ts.started
	if pending := c.Pending(); len(pending) != 1 || pending[0].ID != call.ID() {
		t.Fatalf("unexpected pending set %+v", pending)
	}

	if err := c.Cancel(ctx, call.ID(), "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := call.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	select {
	case cause := <-ts.causes:
		if !errors.Is(cause, sessions.ErrCancelled) || !strings.Contains(cause.Error(), "changed my mind") {
			t.Fatalf("expected server-side cancellation with reason, got %v", cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server handler was not cancelled")
	}

	if err := c.Cancel(ctx, call.ID(), "again"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if err := c.Cancel(ctx, "12345", ""); !errors.Is(err, ErrNotOriginated) {
		t.Fatalf("expected ErrNotOriginated, got %v", err)
	}
	if pending := c.Pending(); len(pending) != 0 {
		t.Fatalf("expected no pending requests, got %+v", pending)
	}
}

func TestClient_ServesSampling(t *testing.T) {
	t.Parallel()

	reg, _ := newToolServer(t, 1, 10)
	var got json.RawMessage
	c, sess := connect(t, reg, WithRequestHandler(string(mcp.SamplingCreateMessageMethod), func(ctx context.Context, params json.RawMessage) (any, error) {
		got = params
		return map[string]any{"role": "assistant", "model": "stub", "content": map[string]string{"type": "text", "text": "ok"}}, nil
	}))
	ctx := context.Background()
	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !sess.Capabilities().Sampling || sess.Capabilities().Elicitation {
		t.Fatalf("unexpected negotiated capabilities %+v", sess.Capabilities())
	}

	res, err := c.CallTool(ctx, "sample", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(res.Content[0].Text, `"model":"stub"`) {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(string(got), `"maxTokens":3`) {
		t.Fatalf("sampling params not delivered: %s", got)
	}

	_, err = c.CallTool(ctx, "elicit", nil)
	var rpcErr *sessions.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected rpc error for unsupported elicitation, got %v", err)
	}
}

func TestClient_ApplicationErrors(t *testing.T) {
	t.Parallel()

	reg, _ := newToolServer(t, 1, 10)
	c, _ := connect(t, reg)
	ctx := context.Background()
	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_, err := c.CallTool(ctx, "missing", nil)
	var rpcErr *sessions.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32602 || rpcErr.Message != "unknown tool" {
		t.Fatalf("expected relayed application error, got %v", err)
	}

	_, err = c.Call(ctx, "nope/nothing", nil)
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("expected method not found, got %v", err)
	}
}
