package signals

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/model"
)

func newTestSignaler(b bus.Bus, opts Options) *Signaler {
	if opts.Cursors == nil {
		opts.Cursors = NewCursorTable()
	}
	return New(b, opts)
}

func TestSendThenWait(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{})

	sent, err := s.Send(context.Background(), "signal:build-done", map[string]any{"status": "green"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !sent.OK || sent.Topic != "signal:build-done" || sent.MessageID == "" {
		t.Fatalf("SendResult = %+v", sent)
	}

	got, err := s.Wait(context.Background(), "signal:build-done", "", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !got.OK {
		t.Fatalf("WaitResult = %+v, want OK", got)
	}
	if got.MessageID != sent.MessageID {
		t.Errorf("MessageID = %s, want %s", got.MessageID, sent.MessageID)
	}
	payload, ok := got.Message["payload"].(map[string]any)
	if !ok {
		t.Fatalf("message payload missing: %+v", got.Message)
	}
	if payload["status"] != "green" {
		t.Errorf("payload status = %v, want green", payload["status"])
	}
}

func TestWaitAdvancesCursor(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{ConversationID: "conv-1"})

	first, err := s.Send(context.Background(), "signal:step", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Send first: %v", err)
	}

	got, err := s.Wait(context.Background(), "signal:step", "", 200*time.Millisecond)
	if err != nil || !got.OK {
		t.Fatalf("first Wait = %+v, %v", got, err)
	}
	if got.MessageID != first.MessageID {
		t.Fatalf("first Wait returned %s, want %s", got.MessageID, first.MessageID)
	}

	// The cursor moved past the delivered message, so a second wait times
	// out until a new signal arrives.
	got, err = s.Wait(context.Background(), "signal:step", "", 60*time.Millisecond)
	if err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if got.OK {
		t.Fatalf("second Wait redelivered %s", got.MessageID)
	}

	second, err := s.Send(context.Background(), "signal:step", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("Send second: %v", err)
	}
	got, err = s.Wait(context.Background(), "signal:step", "", 200*time.Millisecond)
	if err != nil || !got.OK {
		t.Fatalf("third Wait = %+v, %v", got, err)
	}
	if got.MessageID != second.MessageID {
		t.Errorf("third Wait returned %s, want %s", got.MessageID, second.MessageID)
	}
}

func TestWaitTimeoutShape(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{})

	got, err := s.Wait(context.Background(), "signal:nothing", "", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.OK {
		t.Fatal("Wait reported OK on an empty topic")
	}
	if got.Topic != "signal:nothing" {
		t.Errorf("Topic = %q, want signal:nothing", got.Topic)
	}
	if got.TimeoutMS != 50 {
		t.Errorf("TimeoutMS = %d, want 50", got.TimeoutMS)
	}
}

func TestTopicPrefixPolicy(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{Prefix: "signal:teamA/"})

	if _, err := s.Send(context.Background(), "signal:teamA/done", nil); err != nil {
		t.Fatalf("Send within prefix: %v", err)
	}

	_, err := s.Send(context.Background(), "signal:teamB/done", nil)
	if !errors.Is(err, model.ErrPolicyDenied) {
		t.Errorf("Send outside prefix = %v, want ErrPolicyDenied", err)
	}

	_, err = s.Wait(context.Background(), "signal:teamB/done", "", 10*time.Millisecond)
	if !errors.Is(err, model.ErrPolicyDenied) {
		t.Errorf("Wait outside prefix = %v, want ErrPolicyDenied", err)
	}
}

func TestEmptyTopicRejected(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{})

	if _, err := s.Send(context.Background(), "  ", nil); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("Send = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.WaitAny(context.Background(), nil, nil, time.Second); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("WaitAny with no topics = %v, want ErrInvalidArgument", err)
	}
}

func TestPayloadCap(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{PayloadCap: 16})

	_, err := s.Send(context.Background(), "signal:big", map[string]any{
		"data": strings.Repeat("x", 64),
	})
	if !errors.Is(err, model.ErrPolicyDenied) {
		t.Errorf("oversized Send = %v, want ErrPolicyDenied", err)
	}

	if _, err := s.Send(context.Background(), "signal:small", map[string]any{"a": 1}); err != nil {
		t.Errorf("small Send: %v", err)
	}
}

func TestWaitRedactsSensitiveKeys(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{})

	if _, err := s.Send(context.Background(), "signal:creds", map[string]any{
		"token": "abc",
		"n":     1,
		"nested": map[string]any{
			"API_KEY": "xyz",
			"plain":   "ok",
		},
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := s.Wait(context.Background(), "signal:creds", "", 200*time.Millisecond)
	if err != nil || !got.OK {
		t.Fatalf("Wait = %+v, %v", got, err)
	}
	payload := got.Message["payload"].(map[string]any)
	if payload["token"] != "[REDACTED]" {
		t.Errorf("token = %v, want [REDACTED]", payload["token"])
	}
	if payload["n"] != 1 && payload["n"] != float64(1) {
		t.Errorf("n = %v, want 1", payload["n"])
	}
	nested := payload["nested"].(map[string]any)
	if nested["API_KEY"] != "[REDACTED]" {
		t.Errorf("nested API_KEY = %v, want [REDACTED]", nested["API_KEY"])
	}
	if nested["plain"] != "ok" {
		t.Errorf("nested plain = %v, want ok", nested["plain"])
	}

	// The bus-resident copy is untouched.
	msgs, err := b.Read(context.Background(), "signal:creds", "", 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Read = %v, %v", msgs, err)
	}
	stored := msgs[0].Payload["payload"].(map[string]any)
	if stored["token"] != "abc" {
		t.Errorf("stored token = %v, want abc", stored["token"])
	}
}

func TestWaitAnyReturnsFirstAvailable(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{})

	sent, err := s.Send(context.Background(), "signal:b", map[string]any{"from": "b"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := s.WaitAny(context.Background(), []string{"signal:a", "signal:b"}, nil, 200*time.Millisecond)
	if err != nil || !got.OK {
		t.Fatalf("WaitAny = %+v, %v", got, err)
	}
	if got.Topic != "signal:b" || got.MessageID != sent.MessageID {
		t.Errorf("WaitAny returned %s on %s, want %s on signal:b", got.MessageID, got.Topic, sent.MessageID)
	}
}

func TestWaitAnyPrefersArgumentOrder(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{})

	if _, err := s.Send(context.Background(), "signal:b", nil); err != nil {
		t.Fatalf("Send b: %v", err)
	}
	wantA, err := s.Send(context.Background(), "signal:a", nil)
	if err != nil {
		t.Fatalf("Send a: %v", err)
	}

	got, err := s.WaitAny(context.Background(), []string{"signal:a", "signal:b"}, nil, 200*time.Millisecond)
	if err != nil || !got.OK {
		t.Fatalf("WaitAny = %+v, %v", got, err)
	}
	if got.Topic != "signal:a" || got.MessageID != wantA.MessageID {
		t.Errorf("WaitAny tie-break returned %s, want signal:a", got.Topic)
	}
}

func TestWaitAnyTimeout(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{})

	got, err := s.WaitAny(context.Background(), []string{"signal:a", "signal:b"}, nil, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitAny: %v", err)
	}
	if got.OK || got.TimeoutMS != 40 {
		t.Errorf("WaitAny = %+v, want timeout shape", got)
	}
}

func TestWaitAllCollectsEveryTopic(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{})

	sentA, err := s.Send(context.Background(), "signal:a", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Send a: %v", err)
	}
	sentB, err := s.Send(context.Background(), "signal:b", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("Send b: %v", err)
	}

	got, err := s.WaitAll(context.Background(), []string{"signal:a", "signal:b"}, nil, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if !got.OK || len(got.Messages) != 2 {
		t.Fatalf("WaitAll = %+v, want both topics", got)
	}
	if got.Messages["signal:a"].MessageID != sentA.MessageID {
		t.Errorf("signal:a id = %s, want %s", got.Messages["signal:a"].MessageID, sentA.MessageID)
	}
	if got.Messages["signal:b"].MessageID != sentB.MessageID {
		t.Errorf("signal:b id = %s, want %s", got.Messages["signal:b"].MessageID, sentB.MessageID)
	}
}

func TestWaitAllPartialTimeout(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{})

	if _, err := s.Send(context.Background(), "signal:a", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := s.WaitAll(context.Background(), []string{"signal:a", "signal:never"}, nil, 60*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if got.OK {
		t.Fatal("WaitAll reported OK with a missing topic")
	}
	if _, ok := got.Messages["signal:a"]; !ok {
		t.Error("WaitAll dropped the topic that did arrive")
	}
	if got.TimeoutMS != 60 {
		t.Errorf("TimeoutMS = %d, want 60", got.TimeoutMS)
	}
}

func TestSignalsMirrorOntoConversationStream(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{ConversationID: "conv-7"})

	if _, err := s.Send(context.Background(), "signal:x", map[string]any{"a": 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got, err := s.Wait(context.Background(), "signal:x", "", 200*time.Millisecond); err != nil || !got.OK {
		t.Fatalf("Wait = %+v, %v", got, err)
	}

	msgs, err := b.Read(context.Background(), "stream:conv-7", "", 10)
	if err != nil {
		t.Fatalf("Read stream: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stream has %d events, want send+recv", len(msgs))
	}
	if kind := model.EventKind(msgs[0].Payload); kind != model.EventSignalSend {
		t.Errorf("first mirror kind = %q, want signal_send", kind)
	}
	if kind := model.EventKind(msgs[1].Payload); kind != model.EventSignalRecv {
		t.Errorf("second mirror kind = %q, want signal_recv", kind)
	}
	if msgs[1].Payload["topic"] != "signal:x" {
		t.Errorf("mirror topic = %v, want signal:x", msgs[1].Payload["topic"])
	}
}

func TestExplicitLastIDOverridesCursor(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestSignaler(b, Options{ConversationID: "conv-1"})

	first, err := s.Send(context.Background(), "signal:seq", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	second, err := s.Send(context.Background(), "signal:seq", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := s.Wait(context.Background(), "signal:seq", first.MessageID, 200*time.Millisecond)
	if err != nil || !got.OK {
		t.Fatalf("Wait = %+v, %v", got, err)
	}
	if got.MessageID != second.MessageID {
		t.Errorf("Wait after explicit cursor returned %s, want %s", got.MessageID, second.MessageID)
	}
}
