package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	xerrors "ModuleCouncil/internal/errors"
)

type countingNotifier struct {
	channel Channel
	calls   atomic.Int32
	err     error
}

func (n *countingNotifier) Channel() Channel { return n.channel }

func (n *countingNotifier) Notify(context.Context, Event) error {
	n.calls.Add(1)
	return n.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	ok := &countingNotifier{channel: ChannelLog}
	broken := &countingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	dispatcher := NewFanout(ok, broken, nil)

	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeTransientAPI})
	if err == nil {
		t.Fatalf("expected joined error from broken channel")
	}
	if ok.calls.Load() != 1 || broken.calls.Load() != 1 {
		t.Fatalf("expected both notifiers to be called, got %d/%d", ok.calls.Load(), broken.calls.Load())
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	event := Event{Code: xerrors.CodeEvaluatorFailure, ModuleID: "m1", RunID: "r1", Step: "draft", HumanReview: true}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.ModuleID != "m1" || !received.HumanReview || received.Code != xerrors.CodeEvaluatorFailure {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestWebhookNotifierRejectsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for 502")
	}
}
