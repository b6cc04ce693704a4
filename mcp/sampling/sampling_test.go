package sampling

import (
	"encoding/json"
	"testing"
)

func TestNewCreateMessageBasic(t *testing.T) {
	t.Parallel()

	r := New([]Message{UserText("hello")}, WithSystemPrompt("system"), WithMaxTokens(10), WithTemperature(0))
	raw, err := r.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := wire["systemPrompt"]; got != "system" {
		t.Fatalf("systemPrompt mismatch: %v", got)
	}
	if got := wire["maxTokens"]; got != float64(10) {
		t.Fatalf("maxTokens mismatch: %v", got)
	}
	if got, ok := wire["temperature"]; !ok || got != float64(0) {
		t.Fatalf("expected explicit zero temperature, got %v", got)
	}
	msgs, _ := wire["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("unexpected messages: %#v", wire["messages"])
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	if _, err := New(nil).Encode(); err == nil {
		t.Fatal("expected error for empty messages")
	}
	if _, err := New([]Message{{Role: "system", Content: TextBlock("x")}}).Encode(); err == nil {
		t.Fatal("expected error for invalid role")
	}
	if _, err := New([]Message{UserText("x")}, WithMaxTokens(0)).Encode(); err == nil {
		t.Fatal("expected error for zero maxTokens")
	}
}

func TestDecodeResult(t *testing.T) {
	t.Parallel()

	res, err := DecodeResult(json.RawMessage(`{"role":"assistant","content":{"type":"text","text":"hi"},"model":"m"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Content.Text != "hi" || res.Model != "m" {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := DecodeResult(json.RawMessage(`{"role":"assistant"}`)); err == nil {
		t.Fatal("expected error for missing content")
	}
}
