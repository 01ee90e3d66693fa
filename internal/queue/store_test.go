package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/contracts"
	"github.com/todo-1m/offline/internal/storage"
)

func newTestStore(t *testing.T, s storage.Storage) *Store {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	store := NewStore(s, log)
	now := time.Date(2026, 2, 9, 22, 0, 0, 0, time.UTC)
	store.Now = func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
	seq := 0
	store.NewID = func() string {
		seq++
		return fmt.Sprintf("cmd-%d", seq)
	}
	return store
}

func patch(endpoint string) contracts.NewCommand {
	return contracts.NewCommand{
		Endpoint: endpoint,
		Method:   contracts.MethodPatch,
		Payload:  json.RawMessage(`{"status":"done"}`),
	}
}

func TestEnqueue_GetAllContainsExactlyOne(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, storage.NewMemory())

	receipt, err := store.Enqueue(ctx, patch("/widgets/9/status"))
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if receipt.ID != "cmd-1" || receipt.Durability != contracts.Persisted || receipt.CreatedAt == 0 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	items, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	got := items[0]
	if got.ID != receipt.ID || got.Endpoint != "/widgets/9/status" || got.Method != contracts.MethodPatch ||
		string(got.Payload) != `{"status":"done"}` || got.CreatedAt != receipt.CreatedAt {
		t.Fatalf("unexpected command: %+v", got)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	store := newTestStore(t, storage.NewMemory())
	tests := []struct {
		name string
		in   contracts.NewCommand
	}{
		{"get is never queued", contracts.NewCommand{Endpoint: "/widgets", Method: contracts.MethodGet}},
		{"unknown method", contracts.NewCommand{Endpoint: "/widgets", Method: "HEAD"}},
		{"missing endpoint", contracts.NewCommand{Method: contracts.MethodPost}},
		{"relative endpoint", contracts.NewCommand{Endpoint: "widgets", Method: contracts.MethodPost}},
		{"invalid payload", contracts.NewCommand{Endpoint: "/widgets", Method: contracts.MethodPost, Payload: json.RawMessage(`{`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Enqueue(context.Background(), tt.in); !errors.Is(err, ErrInvalidCommand) {
				t.Fatalf("expected ErrInvalidCommand, got %v", err)
			}
		})
	}
	if n := store.Len(context.Background()); n != 0 {
		t.Fatalf("rejected commands must not be stored, len=%d", n)
	}
}

func TestEnqueue_NormalizesMethodAndPayload(t *testing.T) {
	store := newTestStore(t, storage.NewMemory())
	_, err := store.Enqueue(context.Background(), contracts.NewCommand{Endpoint: " /widgets/1 ", Method: "delete"})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	items, _ := store.GetAll(context.Background())
	if items[0].Method != contracts.MethodDelete || items[0].Endpoint != "/widgets/1" || string(items[0].Payload) != "null" {
		t.Fatalf("unexpected normalized command: %+v", items[0])
	}
}

func TestGetAll_SortsByCreatedAt(t *testing.T) {
	mem := storage.NewMemory()
	mem.Set(QueueKey, []byte(`[
		{"id":"c","endpoint":"/c","method":"POST","payload":null,"createdAt":30},
		{"id":"a","endpoint":"/a","method":"POST","payload":null,"createdAt":10},
		{"id":"b1","endpoint":"/b","method":"POST","payload":null,"createdAt":20},
		{"id":"b2","endpoint":"/b","method":"POST","payload":null,"createdAt":20}
	]`))
	store := newTestStore(t, mem)

	items, err := store.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll error: %v", err)
	}
	var ids []string
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	if want := []string{"a", "b1", "b2", "c"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}
}

func TestGetAll_MalformedStorageIsEmpty(t *testing.T) {
	mem := storage.NewMemory()
	mem.Set(QueueKey, []byte(`{not json`))
	store := newTestStore(t, mem)

	items, err := store.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll error: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty queue, got %d items", len(items))
	}
	if _, err := store.Enqueue(context.Background(), patch("/widgets/1")); err != nil {
		t.Fatalf("Enqueue after malformed data error: %v", err)
	}
	if n := store.Len(context.Background()); n != 1 {
		t.Fatalf("expected 1 item, got %d", n)
	}
}

func TestRoundTripThroughStorage(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	first := newTestStore(t, mem)
	for i := 0; i < 3; i++ {
		if _, err := first.Enqueue(ctx, patch(fmt.Sprintf("/widgets/%d/status", i))); err != nil {
			t.Fatalf("Enqueue error: %v", err)
		}
	}
	want, _ := first.GetAll(ctx)

	reloaded := newTestStore(t, mem)
	got, _ := reloaded.GetAll(ctx)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("reloaded queue differs:\n got %+v\nwant %+v", got, want)
	}

	raw, _ := mem.Get(ctx, QueueKey)
	var generic []map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("persisted queue is not a JSON array: %v", err)
	}
	for _, field := range []string{"id", "endpoint", "method", "payload", "createdAt"} {
		if _, ok := generic[0][field]; !ok {
			t.Fatalf("persisted record missing %q: %s", field, raw)
		}
	}
}

func TestDegradedMode(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	store := newTestStore(t, mem)

	mem.FailWrites.Store(true)
	receipt, err := store.Enqueue(ctx, patch("/widgets/1"))
	if err != nil {
		t.Fatalf("Enqueue must not fail on storage errors: %v", err)
	}
	if receipt.Durability != contracts.Degraded {
		t.Fatalf("expected degraded durability, got %s", receipt.Durability)
	}
	if !store.Degraded() {
		t.Fatalf("store should report degraded")
	}
	if n := store.Len(ctx); n != 1 {
		t.Fatalf("in-memory mirror lost the command, len=%d", n)
	}

	mem.FailWrites.Store(false)
	receipt, err = store.Enqueue(ctx, patch("/widgets/2"))
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if receipt.Durability != contracts.Persisted || store.Degraded() {
		t.Fatalf("expected recovery to persisted, got %s degraded=%v", receipt.Durability, store.Degraded())
	}

	reloaded := newTestStore(t, mem)
	if n := reloaded.Len(ctx); n != 2 {
		t.Fatalf("recovered write should persist the mirror, len=%d", n)
	}
}

// flakyReads fails the first n Get calls.
type flakyReads struct {
	*storage.Memory
	failures atomic.Int32
}

func (f *flakyReads) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("disk busy")
	}
	return f.Memory.Get(ctx, key)
}

func TestUnreadableStorageIsNeverOverwritten(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	if _, err := newTestStore(t, mem).Enqueue(ctx, patch("/widgets/1")); err != nil {
		t.Fatalf("seed Enqueue: %v", err)
	}

	flaky := &flakyReads{Memory: mem}
	flaky.failures.Store(1)
	store := newTestStore(t, flaky)
	store.NewID = func() string { return "cmd-2" }

	if _, err := store.Enqueue(ctx, patch("/widgets/2")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if store.Degraded() {
		t.Fatalf("a failed read must not switch the store to memory")
	}

	items, err := newTestStore(t, mem).GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(items) != 1 || items[0].ID != "cmd-1" {
		t.Fatalf("stored queue was overwritten: %+v", items)
	}

	receipt, err := store.Enqueue(ctx, patch("/widgets/2"))
	if err != nil {
		t.Fatalf("Enqueue after the read recovered: %v", err)
	}
	items, _ = store.GetAll(ctx)
	if len(items) != 2 || items[0].ID != "cmd-1" || items[1].ID != receipt.ID {
		t.Fatalf("expected cmd-1 then %s, got %+v", receipt.ID, items)
	}
}

func TestUnreadableStorageFailsSettle(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	if _, err := newTestStore(t, mem).Enqueue(ctx, patch("/widgets/1")); err != nil {
		t.Fatalf("seed Enqueue: %v", err)
	}

	flaky := &flakyReads{Memory: mem}
	flaky.failures.Store(10)
	store := newTestStore(t, flaky)
	st := Settlement{Failed: map[string]Retry{"cmd-1": {Attempts: 1}}}
	if _, err := store.Settle(ctx, st); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := store.Requeue(ctx, "cmd-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from Requeue, got %v", err)
	}
	if _, err := mem.Get(ctx, RetriesKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("retries must not be written while the queue is unreadable, got %v", err)
	}
}

func TestDequeueAndClear(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, storage.NewMemory())
	a, _ := store.Enqueue(ctx, patch("/a"))
	_, _ = store.Enqueue(ctx, patch("/b"))

	if _, err := store.Dequeue(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if d, err := store.Dequeue(ctx, a.ID); err != nil || d != contracts.Persisted {
		t.Fatalf("Dequeue = %s, %v", d, err)
	}
	items, _ := store.GetAll(ctx)
	if len(items) != 1 || items[0].Endpoint != "/b" {
		t.Fatalf("unexpected queue after dequeue: %+v", items)
	}

	if _, err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if n := store.Len(ctx); n != 0 {
		t.Fatalf("expected empty queue after clear, len=%d", n)
	}
}

func TestRemoveKeepsEntriesAppendedDuringPass(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, storage.NewMemory())
	a, _ := store.Enqueue(ctx, patch("/a"))
	snapshot, _ := store.GetAll(ctx)

	late, _ := store.Enqueue(ctx, patch("/late"))

	if _, err := store.Remove(ctx, snapshot[0].ID); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	items, _ := store.GetAll(ctx)
	if len(items) != 1 || items[0].ID != late.ID {
		t.Fatalf("expected only %s to remain after removing %s, got %+v", late.ID, a.ID, items)
	}
}

func TestSettle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, storage.NewMemory())
	ok, _ := store.Enqueue(ctx, patch("/ok"))
	retry, _ := store.Enqueue(ctx, patch("/retry"))
	dead, _ := store.Enqueue(ctx, patch("/dead"))
	items, _ := store.GetAll(ctx)

	_, err := store.Settle(ctx, Settlement{
		Resolved: []string{ok.ID},
		Failed:   map[string]Retry{retry.ID: {Attempts: 1, NextAttemptAt: 99, LastStatus: 503}},
		Dead:     []DeadLetter{{Command: items[2], Attempts: 1, Reason: "unprocessable", Status: 422}},
	})
	if err != nil {
		t.Fatalf("Settle error: %v", err)
	}

	remaining, _ := store.GetAll(ctx)
	if len(remaining) != 1 || remaining[0].ID != retry.ID {
		t.Fatalf("unexpected remaining queue: %+v", remaining)
	}
	retries, _ := store.Retries(ctx)
	if r := retries[retry.ID]; r.Attempts != 1 || r.NextAttemptAt != 99 {
		t.Fatalf("retry record not stored: %+v", retries)
	}
	letters, _ := store.DeadLetters(ctx)
	if len(letters) != 1 || letters[0].Command.ID != dead.ID || letters[0].Status != 422 {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}
	if !reflect.DeepEqual(letters[0].Command, items[2]) {
		t.Fatalf("dead letter must carry the unmodified command")
	}

	if _, err := store.Remove(ctx, retry.ID); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	retries, _ = store.Retries(ctx)
	if len(retries) != 0 {
		t.Fatalf("retry record should be dropped with its command: %+v", retries)
	}
}

func TestRequeueAndDiscard(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, storage.NewMemory())
	a, _ := store.Enqueue(ctx, patch("/a"))
	b, _ := store.Enqueue(ctx, patch("/b"))
	items, _ := store.GetAll(ctx)
	_, _ = store.Settle(ctx, Settlement{Dead: []DeadLetter{
		{Command: items[0], Attempts: 3, Reason: "server error", Status: 503},
		{Command: items[1], Attempts: 1, Reason: "conflict", Status: 409},
	}})

	if _, err := store.Requeue(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Requeue(ctx, a.ID); err != nil {
		t.Fatalf("Requeue error: %v", err)
	}
	queued, _ := store.GetAll(ctx)
	if len(queued) != 1 || queued[0].ID != a.ID || queued[0].CreatedAt != a.CreatedAt {
		t.Fatalf("requeued command should keep id and createdAt: %+v", queued)
	}

	if _, err := store.Discard(ctx, b.ID); err != nil {
		t.Fatalf("Discard error: %v", err)
	}
	letters, _ := store.DeadLetters(ctx)
	if len(letters) != 0 {
		t.Fatalf("expected no dead letters, got %+v", letters)
	}
	if _, err := store.Discard(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second discard, got %v", err)
	}
}
