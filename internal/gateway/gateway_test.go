package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/config"
	"github.com/nextlevelbuilder/agentmesh/internal/model"
	"github.com/nextlevelbuilder/agentmesh/internal/runner"
	"github.com/nextlevelbuilder/agentmesh/internal/worker"
)

func newTestServer(t *testing.T, cfg *config.Config, b bus.Bus) *httptest.Server {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	ts := httptest.NewServer(NewServer(cfg, b, nil).BuildMux())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestSendAcceptsEnvelope(t *testing.T) {
	b := bus.NewMemoryBus()
	ts := newTestServer(t, nil, b)

	resp, body := postJSON(t, ts.URL+"/send", map[string]any{
		"conversation_id": "conv-1",
		"sender":          "user:alice",
		"recipient":       "agent:DevAgent",
		"type":            "message",
		"content":         "hello",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	if body["status"] != "ok" || body["topic"] != "chat:conv-1" {
		t.Errorf("body = %v", body)
	}

	for _, topic := range []string{"chat:conv-1", "chat:DevAgent"} {
		msgs, _ := b.Read(context.Background(), topic, "", 10)
		if len(msgs) != 1 {
			t.Errorf("%s has %d messages, want 1", topic, len(msgs))
		}
	}
	msgs, _ := b.Read(context.Background(), "stream:conv-1", "", 10)
	if len(msgs) != 1 || model.EventKind(msgs[0].Payload) != model.EventUserMessage {
		t.Errorf("stream events = %v, want one user_message", msgs)
	}
}

func TestSendRejectsBadJSON(t *testing.T) {
	ts := newTestServer(t, nil, bus.NewMemoryBus())

	resp, err := http.Post(ts.URL+"/send", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestSendRejectsInvalidEnvelope(t *testing.T) {
	ts := newTestServer(t, nil, bus.NewMemoryBus())

	resp, body := postJSON(t, ts.URL+"/send", map[string]any{
		"conversation_id": "conv-1",
		"sender":          "user:alice",
		"type":            "message",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
	if body["status"] != "invalid" {
		t.Errorf("body = %v", body)
	}
}

// failingBus rejects every publish.
type failingBus struct{}

func (failingBus) Publish(context.Context, string, bus.Message) (string, error) {
	return "", errors.New("connection refused")
}

func (failingBus) Read(context.Context, string, string, int) ([]bus.Message, error) {
	return nil, errors.New("connection refused")
}

func (failingBus) ReadBlocking(context.Context, string, string, int, time.Duration) ([]bus.Message, error) {
	return nil, errors.New("connection refused")
}

func TestSendBusFailure(t *testing.T) {
	ts := newTestServer(t, nil, failingBus{})

	resp, body := postJSON(t, ts.URL+"/send", map[string]any{
		"conversation_id": "conv-1",
		"sender":          "user:alice",
		"recipient":       "agent:DevAgent",
		"type":            "message",
		"content":         "hello",
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if body["status"] != "unavailable" {
		t.Errorf("body = %v", body)
	}
}

func TestSendRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.RateLimitRPS = 1
	ts := newTestServer(t, cfg, bus.NewMemoryBus())

	payload := map[string]any{
		"conversation_id": "conv-1",
		"sender":          "user:alice",
		"recipient":       "agent:DevAgent",
		"type":            "message",
		"content":         "hello",
	}
	var limited bool
	for i := 0; i < 5; i++ {
		resp, _ := postJSON(t, ts.URL+"/send", payload)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("no request was rate limited")
	}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil, bus.NewMemoryBus())

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestReadyReportsBusOutage(t *testing.T) {
	ts := newTestServer(t, nil, failingBus{})

	resp, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	id   string
	data map[string]any
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var out []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var frame sseFrame
		for _, line := range strings.Split(block, "\n") {
			if id, ok := strings.CutPrefix(line, "id: "); ok {
				frame.id = id
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				if err := json.Unmarshal([]byte(data), &frame.data); err != nil {
					t.Fatalf("bad data line %q: %v", data, err)
				}
			}
		}
		out = append(out, frame)
	}
	return out
}

func publishEvent(t *testing.T, b bus.Bus, ev model.StreamEvent) string {
	t.Helper()
	payload, err := model.EventPayload(ev)
	if err != nil {
		t.Fatalf("EventPayload: %v", err)
	}
	topic := model.StreamTopic(payload["conversation_id"].(string))
	msg := bus.NewMessage(topic, payload)
	if _, err := b.Publish(context.Background(), topic, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return msg.ID
}

func TestStreamFiltersDuplicateTokens(t *testing.T) {
	b := bus.NewMemoryBus()
	ts := newTestServer(t, nil, b)

	publishEvent(t, b, model.NewUserMessageEvent("conv-1", "user:alice", "hi"))
	publishEvent(t, b, model.NewTokenEvent("conv-1", "a", 0))
	publishEvent(t, b, model.NewTokenEvent("conv-1", "b", 1))
	publishEvent(t, b, model.NewOutputEvent("conv-1", "ab"))
	publishEvent(t, b, model.NewTokenEvent("conv-1", "c", 0))

	resp, err := http.Get(ts.URL + "/stream/conv-1?max_events=4")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	frames := parseSSE(t, string(raw))
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}

	wantKinds := []string{
		model.EventUserMessage,
		model.EventToken, // first token of the run passes
		model.EventOutput,
		model.EventToken, // output re-armed the gate for the next run
	}
	for i, want := range wantKinds {
		if got := model.EventKind(frames[i].data); got != want {
			t.Errorf("frame[%d] kind = %q, want %q", i, got, want)
		}
	}
	if frames[1].data["text"] != "a" {
		t.Errorf("first token text = %v, want a", frames[1].data["text"])
	}
	if frames[3].data["text"] != "c" {
		t.Errorf("new-run token text = %v, want c", frames[3].data["text"])
	}
}

// Stream reads must fan out: every subscriber sees every frame, and a read
// never consumes entries away from later readers (tail semantics, not
// consumer-group semantics).
func TestStreamFanOutToSequentialSubscribers(t *testing.T) {
	b := bus.NewMemoryBus()
	ts := newTestServer(t, nil, b)

	for i := 0; i < 4; i++ {
		publishEvent(t, b, model.NewOutputEvent("conv-1", fmt.Sprintf("answer %d", i)))
	}

	for sub := 1; sub <= 2; sub++ {
		resp, err := http.Get(ts.URL + "/stream/conv-1?max_events=4")
		if err != nil {
			t.Fatalf("subscriber %d GET: %v", sub, err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		frames := parseSSE(t, string(raw))
		if len(frames) != 4 {
			t.Fatalf("subscriber %d got %d frames, want 4", sub, len(frames))
		}
		for i, f := range frames {
			if want := fmt.Sprintf("answer %d", i); f.data["text"] != want {
				t.Errorf("subscriber %d frame[%d] text = %v, want %q", sub, i, f.data["text"], want)
			}
		}
	}
}

func TestStreamTruncatesOversizeFrames(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.EventCapBytes = 64
	b := bus.NewMemoryBus()
	ts := newTestServer(t, cfg, b)

	publishEvent(t, b, model.NewOutputEvent("conv-1", strings.Repeat("x", 500)))

	resp, err := http.Get(ts.URL + "/stream/conv-1?max_events=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	frames := parseSSE(t, string(raw))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].data["truncated"] != true || frames[0].data["event"] != "truncated" {
		t.Errorf("frame = %v, want truncation marker", frames[0].data)
	}
	// The frame id survives so resume still works.
	if frames[0].id == "" {
		t.Error("truncated frame has no id")
	}
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	b := bus.NewMemoryBus()
	ts := newTestServer(t, nil, b)

	firstID := publishEvent(t, b, model.NewOutputEvent("conv-1", "one"))
	publishEvent(t, b, model.NewOutputEvent("conv-1", "two"))
	publishEvent(t, b, model.NewOutputEvent("conv-1", "three"))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/stream/conv-1?max_events=2", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Last-Event-ID", firstID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	frames := parseSSE(t, string(raw))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].data["text"] != "two" || frames[1].data["text"] != "three" {
		t.Errorf("resumed frames = %v, %v", frames[0].data, frames[1].data)
	}
}

func TestStreamFilterUnit(t *testing.T) {
	f := &streamFilter{}
	steps := []struct {
		kind string
		want bool
	}{
		{model.EventUserMessage, true},
		{model.EventToken, true},
		{model.EventToken, false},
		{model.EventToolStep, true},
		{model.EventToken, false},
		{model.EventOutput, true},
		{model.EventToken, true},
		{"custom_kind", true},
	}
	for i, s := range steps {
		payload := map[string]any{"event": s.kind}
		if got := f.pass(payload); got != s.want {
			t.Errorf("step %d (%s): pass = %v, want %v", i, s.kind, got, s.want)
		}
	}
}

func TestObserverEndpointsWithoutIndex(t *testing.T) {
	ts := newTestServer(t, nil, bus.NewMemoryBus())

	tests := []struct {
		path string
		key  string
	}{
		{"/conversations", "conversations"},
		{"/agents", "agents"},
		{"/graph/conv-1", "nodes"},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", tt.path, resp.StatusCode)
		}
		if _, ok := body[tt.key]; !ok {
			t.Errorf("%s body = %v, want key %q", tt.path, body, tt.key)
		}
	}
}

func TestSendGeneratesIDWhenMissing(t *testing.T) {
	b := bus.NewMemoryBus()
	ts := newTestServer(t, nil, b)

	resp, _ := postJSON(t, ts.URL+"/send", map[string]any{
		"conversation_id": "conv-1",
		"sender":          "user:alice",
		"recipient":       "user:bob",
		"type":            "message",
		"content":         "no id supplied",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	msgs, _ := b.Read(context.Background(), "chat:conv-1", "", 10)
	if len(msgs) != 1 {
		t.Fatalf("conversation has %d messages, want 1", len(msgs))
	}
	if id, _ := msgs[0].Payload["id"].(string); id == "" {
		t.Error("published envelope has no id")
	}
}

// TestConversationRoundtrip drives a full send -> worker run -> stream read
// cycle against one in-memory bus.
func TestConversationRoundtrip(t *testing.T) {
	b := bus.NewMemoryBus()
	ts := newTestServer(t, nil, b)

	resp, _ := postJSON(t, ts.URL+"/send", map[string]any{
		"conversation_id": "c1",
		"sender":          "user:a",
		"recipient":       "agent:Dev",
		"type":            "message",
		"content":         "hi",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d", resp.StatusCode)
	}

	w := worker.New("Dev", b, runner.NewDemoRunner(), worker.Options{})
	if n, err := w.ProcessAvailable(context.Background(), 10); err != nil || n != 1 {
		t.Fatalf("ProcessAvailable = %d, %v", n, err)
	}

	streamResp, err := http.Get(ts.URL + "/stream/c1?max_events=2")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer streamResp.Body.Close()
	raw, _ := io.ReadAll(streamResp.Body)
	frames := parseSSE(t, string(raw))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want user_message + output", len(frames))
	}
	if kind := model.EventKind(frames[0].data); kind != model.EventUserMessage {
		t.Errorf("frame[0] = %q, want user_message", kind)
	}
	if frames[0].data["text"] != "hi" {
		t.Errorf("frame[0] text = %v, want hi", frames[0].data["text"])
	}
	if kind := model.EventKind(frames[1].data); kind != model.EventOutput {
		t.Errorf("frame[1] = %q, want output", kind)
	}
}

func ExampleServer_BuildMux() {
	cfg := config.Default()
	srv := NewServer(cfg, bus.NewMemoryBus(), nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, req)
	fmt.Println(rec.Code)
	// Output: 200
}
