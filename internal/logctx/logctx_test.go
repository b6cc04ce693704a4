package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(Handler{slog.NewJSONHandler(&buf, nil)}).With(slog.String("component", "test"))

	ctx := WithSessionData(context.Background(), &SessionData{SessionID: "s1", StreamID: "s1"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "tools/list", ID: "7", Type: "request"})
	log.InfoContext(ctx, "session.request.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if rec["component"] != "test" {
		t.Fatalf("With attrs lost: %v", rec)
	}
	sess, _ := rec["sess"].(map[string]any)
	if sess["id"] != "s1" {
		t.Fatalf("missing sess group: %v", rec)
	}
	rpc, _ := rec["rpc"].(map[string]any)
	if rpc["method"] != "tools/list" || rpc["id"] != "7" {
		t.Fatalf("missing rpc group: %v", rec)
	}
}
