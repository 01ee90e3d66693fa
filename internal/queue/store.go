package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nuid"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/contracts"
	"github.com/todo-1m/offline/internal/storage"
)

const (
	QueueKey   = "offline.action-queue"
	RetriesKey = "offline.action-queue.retries"
	DeadKey    = "offline.action-queue.dead"
)

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrNotFound       = errors.New("command not found")
	// ErrUnavailable means the queue could not be read and nothing is held
	// in memory yet. No write is attempted.
	ErrUnavailable = errors.New("queue storage unavailable")
)

// Receipt is returned by Enqueue once the command has been written.
type Receipt struct {
	ID         string               `json:"id"`
	CreatedAt  int64                `json:"createdAt"`
	Durability contracts.Durability `json:"durability"`
}

// Retry is the replay bookkeeping for one queued command. It lives beside the
// queue so Command records are never rewritten.
type Retry struct {
	Attempts      int    `json:"attempts"`
	NextAttemptAt int64  `json:"nextAttemptAt"`
	LastError     string `json:"lastError,omitempty"`
	LastStatus    int    `json:"lastStatus"`
}

// DeadLetter is a command replay gave up on.
type DeadLetter struct {
	Command  contracts.Command `json:"command"`
	Attempts int               `json:"attempts"`
	Reason   string            `json:"reason"`
	Status   int               `json:"status"`
	DeadAt   int64             `json:"deadAt"`
}

// Settlement is the outcome of one replay pass, applied in a single critical
// section so appends made during the pass are preserved.
type Settlement struct {
	Resolved []string
	Failed   map[string]Retry
	Dead     []DeadLetter
}

// Store is the durable, ordered command queue. Every mutation is a
// read-modify-write of the whole list under one lock.
type Store struct {
	Now   func() time.Time
	NewID func() string

	mu       sync.Mutex
	storage  storage.Storage
	log      logrus.FieldLogger
	validate *validator.Validate

	queue   doc[[]contracts.Command]
	retries doc[map[string]Retry]
	dead    doc[[]DeadLetter]
}

func NewStore(s storage.Storage, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    nuid.Next,
		storage:  s,
		log:      log.WithField("component", "queue"),
		validate: validator.New(),
		queue:    doc[[]contracts.Command]{key: QueueKey},
		retries:  doc[map[string]Retry]{key: RetriesKey},
		dead:     doc[[]DeadLetter]{key: DeadKey},
	}
}

func (s *Store) Enqueue(ctx context.Context, in contracts.NewCommand) (Receipt, error) {
	in.Endpoint = strings.TrimSpace(in.Endpoint)
	if m, ok := contracts.ParseMethod(string(in.Method)); ok {
		in.Method = m
	}
	if err := s.validate.Struct(in); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return Receipt{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidCommand)
	}

	payload := json.RawMessage("null")
	if len(in.Payload) > 0 {
		payload = append(json.RawMessage(nil), in.Payload...)
	}
	cmd := contracts.Command{
		ID:        s.NewID(),
		Endpoint:  in.Endpoint,
		Method:    in.Method,
		Payload:   payload,
		CreatedAt: s.Now().UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.queue.load(ctx, s.storage, s.log)
	if err != nil {
		return Receipt{}, err
	}
	next := make([]contracts.Command, 0, len(items)+1)
	next = append(next, items...)
	next = append(next, cmd)
	durability := s.queue.save(ctx, s.storage, s.log, next)

	s.log.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"method":     cmd.Method,
		"endpoint":   cmd.Endpoint,
		"durability": durability,
	}).Info("command queued")
	return Receipt{ID: cmd.ID, CreatedAt: cmd.CreatedAt, Durability: durability}, nil
}

func (s *Store) Dequeue(ctx context.Context, id string) (contracts.Durability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.queue.load(ctx, s.storage, s.log)
	if err != nil {
		return contracts.Persisted, err
	}
	if indexOf(items, id) < 0 {
		return contracts.Persisted, ErrNotFound
	}
	return s.settle(ctx, Settlement{Resolved: []string{id}})
}

// Remove drops the given ids; unknown ids are ignored.
func (s *Store) Remove(ctx context.Context, ids ...string) (contracts.Durability, error) {
	return s.Settle(ctx, Settlement{Resolved: ids})
}

// GetAll returns the queue oldest first. Entries with equal CreatedAt keep
// their insertion order.
func (s *Store) GetAll(ctx context.Context) ([]contracts.Command, error) {
	s.mu.Lock()
	current, err := s.queue.load(ctx, s.storage, s.log)
	items := cloneCommands(current)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(items)
	return items, nil
}

// Len is zero when the queue cannot be read.
func (s *Store) Len(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, _ := s.queue.load(ctx, s.storage, s.log)
	return len(items)
}

// Clear empties the queue and its retry records. Dead letters are kept.
func (s *Store) Clear(ctx context.Context) (contracts.Durability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d1 := s.queue.save(ctx, s.storage, s.log, []contracts.Command{})
	d2 := s.retries.save(ctx, s.storage, s.log, map[string]Retry{})
	s.log.Info("queue cleared")
	return worst(d1, d2), nil
}

func (s *Store) Retries(ctx context.Context) (map[string]Retry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.retries.load(ctx, s.storage, s.log)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Retry, len(current))
	for id, r := range current {
		out[id] = r
	}
	return out, nil
}

func (s *Store) Settle(ctx context.Context, st Settlement) (contracts.Durability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settle(ctx, st)
}

func (s *Store) settle(ctx context.Context, st Settlement) (contracts.Durability, error) {
	drop := make(map[string]struct{}, len(st.Resolved)+len(st.Dead))
	for _, id := range st.Resolved {
		drop[id] = struct{}{}
	}
	for _, dl := range st.Dead {
		drop[dl.Command.ID] = struct{}{}
	}

	// Every document is read before the first write so an unreadable one
	// leaves storage untouched.
	var dead []DeadLetter
	if len(st.Dead) > 0 {
		var err error
		if dead, err = s.dead.load(ctx, s.storage, s.log); err != nil {
			return contracts.Persisted, err
		}
	}
	items, err := s.queue.load(ctx, s.storage, s.log)
	if err != nil {
		return contracts.Persisted, err
	}
	var current map[string]Retry
	if len(drop) > 0 || len(st.Failed) > 0 {
		if current, err = s.retries.load(ctx, s.storage, s.log); err != nil {
			return contracts.Persisted, err
		}
	}

	results := []contracts.Durability{}

	// Dead letters are written before the queue shrinks so a crash between
	// the two writes can duplicate an entry but never lose one.
	if len(st.Dead) > 0 {
		next := make([]DeadLetter, 0, len(dead)+len(st.Dead))
		next = append(next, dead...)
		next = append(next, st.Dead...)
		results = append(results, s.dead.save(ctx, s.storage, s.log, next))
	}

	if len(drop) > 0 {
		kept := make([]contracts.Command, 0, len(items))
		for _, cmd := range items {
			if _, ok := drop[cmd.ID]; !ok {
				kept = append(kept, cmd)
			}
		}
		if len(kept) != len(items) {
			results = append(results, s.queue.save(ctx, s.storage, s.log, kept))
		}
		items = kept
	}

	if len(drop) > 0 || len(st.Failed) > 0 {
		present := make(map[string]struct{}, len(items))
		for _, cmd := range items {
			present[cmd.ID] = struct{}{}
		}
		next := make(map[string]Retry, len(current)+len(st.Failed))
		changed := false
		for id, r := range current {
			if _, ok := present[id]; ok {
				next[id] = r
			} else {
				changed = true
			}
		}
		for id, r := range st.Failed {
			if _, ok := present[id]; ok {
				next[id] = r
				changed = true
			}
		}
		if changed {
			results = append(results, s.retries.save(ctx, s.storage, s.log, next))
		}
	}
	return worst(results...), nil
}

func (s *Store) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dead, err := s.dead.load(ctx, s.storage, s.log)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, len(dead))
	copy(out, dead)
	return out, nil
}

// Requeue moves a dead letter back to the queue with a clean retry record.
// The command keeps its id and original CreatedAt.
func (s *Store) Requeue(ctx context.Context, id string) (contracts.Durability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dead, err := s.dead.load(ctx, s.storage, s.log)
	if err != nil {
		return contracts.Persisted, err
	}
	idx := -1
	for i, dl := range dead {
		if dl.Command.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return contracts.Persisted, ErrNotFound
	}
	cmd := dead[idx].Command

	items, err := s.queue.load(ctx, s.storage, s.log)
	if err != nil {
		return contracts.Persisted, err
	}
	retries, err := s.retries.load(ctx, s.storage, s.log)
	if err != nil {
		return contracts.Persisted, err
	}
	results := []contracts.Durability{}
	if indexOf(items, id) < 0 {
		next := make([]contracts.Command, 0, len(items)+1)
		next = append(next, items...)
		next = append(next, cmd)
		results = append(results, s.queue.save(ctx, s.storage, s.log, next))
	}
	results = append(results, s.dead.save(ctx, s.storage, s.log, removeDead(dead, idx)))

	if _, ok := retries[id]; ok {
		next := make(map[string]Retry, len(retries))
		for k, v := range retries {
			if k != id {
				next[k] = v
			}
		}
		results = append(results, s.retries.save(ctx, s.storage, s.log, next))
	}

	s.log.WithField("command_id", id).Info("dead letter requeued")
	return worst(results...), nil
}

func (s *Store) Discard(ctx context.Context, id string) (contracts.Durability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dead, err := s.dead.load(ctx, s.storage, s.log)
	if err != nil {
		return contracts.Persisted, err
	}
	for i, dl := range dead {
		if dl.Command.ID == id {
			s.log.WithField("command_id", id).Info("dead letter discarded")
			return s.dead.save(ctx, s.storage, s.log, removeDead(dead, i)), nil
		}
	}
	return contracts.Persisted, ErrNotFound
}

// Degraded reports whether any queue document currently lives only in memory.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.degraded || s.retries.degraded || s.dead.degraded
}

func indexOf(items []contracts.Command, id string) int {
	for i, cmd := range items {
		if cmd.ID == id {
			return i
		}
	}
	return -1
}

func removeDead(dead []DeadLetter, idx int) []DeadLetter {
	out := make([]DeadLetter, 0, len(dead)-1)
	out = append(out, dead[:idx]...)
	return append(out, dead[idx+1:]...)
}

func cloneCommands(items []contracts.Command) []contracts.Command {
	out := make([]contracts.Command, len(items))
	for i, cmd := range items {
		cmd.Payload = append(json.RawMessage(nil), cmd.Payload...)
		out[i] = cmd
	}
	return out
}

func sortByCreatedAt(items []contracts.Command) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt < items[j].CreatedAt
	})
}
