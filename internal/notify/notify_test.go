package notify

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/broadcast"
	"github.com/todo-1m/offline/internal/contracts"
)

func TestShouldNotify(t *testing.T) {
	tests := []struct {
		name   string
		status contracts.ActionStatus
		err    *contracts.APIError
		want   bool
	}{
		{"queued", contracts.StatusQueued, nil, true},
		{"success", contracts.StatusSuccess, nil, true},
		{"no network", contracts.StatusFailed, &contracts.APIError{Status: 0}, true},
		{"server error", contracts.StatusFailed, &contracts.APIError{Status: 503}, true},
		{"internal error", contracts.StatusFailed, &contracts.APIError{Status: 500}, true},
		{"not found", contracts.StatusFailed, &contracts.APIError{Status: 404}, false},
		{"validation", contracts.StatusFailed, &contracts.APIError{Status: 422}, false},
		{"bad request", contracts.StatusFailed, &contracts.APIError{Status: 400}, false},
		{"pending", contracts.StatusPending, nil, false},
		{"idle", contracts.StatusIdle, nil, false},
		{"syncing", contracts.StatusSyncing, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldNotify(tt.status, tt.err); got != tt.want {
				t.Fatalf("ShouldNotify(%s, %+v) = %v, want %v", tt.status, tt.err, got, tt.want)
			}
		})
	}
}

func TestShouldNotifyState_Silent(t *testing.T) {
	silentSuccess := contracts.ActionToastState{ID: "prefetch", Status: contracts.StatusSuccess, Silent: true}
	if ShouldNotifyState(silentSuccess) {
		t.Fatalf("silent success must not notify")
	}
	silentFailure := contracts.ActionToastState{ID: "prefetch", Status: contracts.StatusFailed, Silent: true, Error: &contracts.APIError{Status: 503}}
	if !ShouldNotifyState(silentFailure) {
		t.Fatalf("silent only suppresses success")
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		state   contracts.ActionToastState
		variant contracts.Variant
		title   string
	}{
		{"queued", contracts.ActionToastState{ID: "a", Status: contracts.StatusQueued}, contracts.VariantInfo, "Saved offline"},
		{"success", contracts.ActionToastState{ID: "a", Status: contracts.StatusSuccess}, contracts.VariantSuccess, "Done"},
		{"offline", contracts.ActionToastState{ID: "a", Status: contracts.StatusFailed, Error: &contracts.APIError{Status: 0}}, contracts.VariantError, "No connection"},
		{"server", contracts.ActionToastState{ID: "a", Status: contracts.StatusFailed, Error: &contracts.APIError{Status: 502}}, contracts.VariantError, "Something went wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Select(tt.state)
			if n.Variant != tt.variant || n.Title != tt.title || n.Description == "" || n.ID != "a" {
				t.Fatalf("unexpected notification: %+v", n)
			}
		})
	}

	n := Select(contracts.ActionToastState{ID: "a", Status: contracts.StatusSuccess, SuccessMessage: "Task completed"})
	if n.Description != "Task completed" {
		t.Fatalf("success message not used: %+v", n)
	}
}

type recordingSink struct {
	got []contracts.Notification
}

func (r *recordingSink) Notify(n contracts.Notification) { r.got = append(r.got, n) }

func newObserver(cap int, sink Sink) *Observer {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewObserver(cap, log, sink)
}

func TestObserver_Suppression(t *testing.T) {
	bus := broadcast.NewBus()
	sink := &recordingSink{}
	newObserver(0, sink).Attach(bus)

	bus.Report(contracts.ActionToastState{ID: "edit", Status: contracts.StatusFailed, Error: &contracts.APIError{Status: 404}})
	if len(sink.got) != 0 {
		t.Fatalf("404 must not produce a notification, got %+v", sink.got)
	}

	bus.Report(contracts.ActionToastState{ID: "edit", Status: contracts.StatusFailed, Error: &contracts.APIError{Status: 503}})
	bus.Report(contracts.ActionToastState{ID: "edit", Status: contracts.StatusFailed, Error: &contracts.APIError{Status: 503}})
	if len(sink.got) != 1 {
		t.Fatalf("503 reported twice should notify exactly once, got %d", len(sink.got))
	}

	bus.Report(contracts.ActionToastState{ID: "other", Status: contracts.StatusFailed, Error: &contracts.APIError{Status: 503}})
	if len(sink.got) != 2 {
		t.Fatalf("a different id should notify, got %d", len(sink.got))
	}
}

func TestObserver_DistinctStatusesPerID(t *testing.T) {
	bus := broadcast.NewBus()
	sink := &recordingSink{}
	newObserver(0, sink).Attach(bus)

	bus.Report(contracts.ActionToastState{ID: "toggle", Status: contracts.StatusQueued})
	bus.Report(contracts.ActionToastState{ID: "toggle", Status: contracts.StatusSuccess})
	bus.Report(contracts.ActionToastState{ID: "toggle", Status: contracts.StatusQueued})

	if len(sink.got) != 2 || sink.got[0].Variant != contracts.VariantInfo || sink.got[1].Variant != contracts.VariantSuccess {
		t.Fatalf("unexpected notifications: %+v", sink.got)
	}
}

func TestObserver_HistoryIsBounded(t *testing.T) {
	sink := &recordingSink{}
	o := newObserver(2, sink)
	report := func(id string) {
		o.Handle(broadcast.Event{Kind: broadcast.EventReported, State: contracts.ActionToastState{ID: id, Status: contracts.StatusQueued}})
	}

	report("a")
	report("b")
	report("c")
	if o.HistoryLen() != 2 {
		t.Fatalf("history should be capped at 2, got %d", o.HistoryLen())
	}
	// "a" was evicted, so it can fire again.
	report("a")
	if len(sink.got) != 4 {
		t.Fatalf("expected evicted pair to notify again, got %d", len(sink.got))
	}
	report("c")
	if len(sink.got) != 4 {
		t.Fatalf("retained pair must stay deduplicated")
	}
}

func TestObserver_ClearKeepsDedup(t *testing.T) {
	bus := broadcast.NewBus()
	sink := &recordingSink{}
	o := newObserver(0, sink)
	o.Attach(bus)

	bus.Report(contracts.ActionToastState{ID: "x", Status: contracts.StatusQueued})
	bus.Clear("x")
	bus.Report(contracts.ActionToastState{ID: "x", Status: contracts.StatusQueued})
	if len(sink.got) != 1 {
		t.Fatalf("(x, queued) must notify once across a clear, got %d notifications", len(sink.got))
	}
	if o.HistoryLen() != 1 {
		t.Fatalf("clear must not drop history, len=%d", o.HistoryLen())
	}
	bus.Report(contracts.ActionToastState{ID: "x", Status: contracts.StatusSuccess})
	if len(sink.got) != 2 {
		t.Fatalf("a new status for x should still notify, got %d", len(sink.got))
	}
}

func TestHub(t *testing.T) {
	h := NewHub(2)
	ch, cancel := h.Listen(4)

	h.Notify(contracts.Notification{ID: "1"})
	h.Notify(contracts.Notification{ID: "2"})
	h.Notify(contracts.Notification{ID: "3"})

	recent := h.Recent()
	if len(recent) != 2 || recent[0].ID != "3" || recent[1].ID != "2" {
		t.Fatalf("unexpected recent: %+v", recent)
	}
	for _, want := range []string{"1", "2", "3"} {
		if got := <-ch; got.ID != want {
			t.Fatalf("listener got %q, want %q", got.ID, want)
		}
	}

	cancel()
	cancel()
	if h.Listeners() != 0 {
		t.Fatalf("expected listener to be removed")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
	h.Notify(contracts.Notification{ID: "4"})
}

func TestHub_SlowListenerDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Listen(1)
	defer cancel()
	for i := 0; i < 5; i++ {
		h.Notify(contracts.Notification{ID: "x"})
	}
}

func TestTerminalSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewTerminalSink(&buf)
	s.Notify(contracts.Notification{ID: "abc", Variant: contracts.VariantError, Title: "No connection", Description: "Check your connection"})
	out := buf.String()
	if !strings.Contains(out, "No connection") || !strings.Contains(out, "abc") {
		t.Fatalf("unexpected terminal output: %q", out)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})
	LogSink{Log: log}.Notify(contracts.Notification{ID: "abc", Variant: contracts.VariantError, Title: "t", Description: "d"})
	if !strings.Contains(buf.String(), `"level":"warning"`) || !strings.Contains(buf.String(), `"action_id":"abc"`) {
		t.Fatalf("unexpected log output: %s", buf.String())
	}
}
