package agentapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/actions"
	"github.com/todo-1m/offline/internal/broadcast"
	"github.com/todo-1m/offline/internal/connectivity"
	"github.com/todo-1m/offline/internal/contracts"
	"github.com/todo-1m/offline/internal/dispatch"
	"github.com/todo-1m/offline/internal/notify"
	platformauth "github.com/todo-1m/offline/internal/platform/auth"
	"github.com/todo-1m/offline/internal/queue"
	"github.com/todo-1m/offline/internal/replay"
	"github.com/todo-1m/offline/internal/storage"
)

type upstream struct {
	mu   sync.Mutex
	fail *contracts.APIError
	hits int
}

func (u *upstream) setFail(err *contracts.APIError) {
	u.mu.Lock()
	u.fail = err
	u.mu.Unlock()
}

func (u *upstream) Execute(_ context.Context, endpoint string, _ contracts.Method, _ json.RawMessage) (json.RawMessage, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hits++
	if u.fail != nil {
		return nil, u.fail
	}
	return json.RawMessage(`{"endpoint":"` + endpoint + `"}`), nil
}

type stack struct {
	h        *Handler
	router   http.Handler
	mon      *connectivity.Monitor
	store    *queue.Store
	bus      *broadcast.Bus
	hub      *notify.Hub
	replayer *replay.Replayer
	up       *upstream
}

func newStack(t *testing.T, online bool) *stack {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	policy, err := actions.NewPolicy([]actions.Rule{
		{Name: "widgets", Pattern: "/widgets/**", Queueable: true},
		{Name: "payments", Method: contracts.MethodPost, Pattern: "/payments"},
	}, actions.DefaultRule)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	s := &stack{
		mon:   connectivity.NewMonitor(online, log),
		store: queue.NewStore(storage.NewMemory(), log),
		bus:   broadcast.NewBus(),
		hub:   notify.NewHub(10),
		up:    &upstream{},
	}
	d := dispatch.New(s.mon, s.up, s.store, s.bus, log)
	d.AfterFunc = func(time.Duration, func()) *time.Timer { return nil }
	s.replayer = replay.New(s.store, s.up, policy, s.mon, s.bus, log)
	s.replayer.AfterFunc = func(time.Duration, func()) *time.Timer { return nil }
	s.replayer.OnDeadLetter = func(dl queue.DeadLetter) { d.Forget(dl.Command.ID) }
	notify.NewObserver(notify.DefaultHistoryCap, log, s.hub).Attach(s.bus)

	s.h = NewHandler(log)
	s.h.Caller = actions.NewCaller(policy, d, s.mon, s.bus, log)
	s.h.Queue = s.store
	s.h.Replayer = s.replayer
	s.h.Conn = s.mon
	s.h.Dispatcher = d
	s.h.Bus = s.bus
	s.h.Hub = s.hub
	s.h.Policy = policy
	s.h.Heartbeat = time.Hour
	s.router = s.h.Router()

	stop := s.replayer.Start(context.Background())
	t.Cleanup(stop)
	s.replayer.Wait()
	return s
}

func (s *stack) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthAndReady(t *testing.T) {
	s := newStack(t, true)
	if rec := s.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	s.h.Ready = func(context.Context) error { return errors.New("storage unavailable") }
	if rec := s.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", rec.Code)
	}
}

func TestCommandOnlineSuccess(t *testing.T) {
	s := newStack(t, true)
	rec := s.do(t, http.MethodPost, "/v1/commands", `{"correlation_id":"save-1","endpoint":"/widgets/1","method":"patch","payload":{"name":"x"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := decode[actions.Outcome](t, rec)
	if out.Status != contracts.StatusSuccess || out.CorrelationID != "save-1" || !strings.Contains(string(out.Data), "/widgets/1") {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestCommandOfflineQueueable(t *testing.T) {
	s := newStack(t, false)
	rec := s.do(t, http.MethodPost, "/v1/commands", `{"endpoint":"/widgets/9/status","method":"PATCH","payload":{"status":"done"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := decode[actions.Outcome](t, rec)
	if out.Status != contracts.StatusQueued || out.Receipt == nil || out.Receipt.Durability != contracts.Persisted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if s.store.Len(context.Background()) != 1 || s.up.hits != 0 {
		t.Fatalf("command should be queued, not executed")
	}
}

func TestCommandOfflineRejected(t *testing.T) {
	s := newStack(t, false)
	rec := s.do(t, http.MethodPost, "/v1/commands", `{"endpoint":"/payments","method":"POST","payload":{}}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decode[commandError](t, rec)
	if body.Status != contracts.StatusNoNetwork || body.CorrelationID == "" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestCommandClientErrorPassesThrough(t *testing.T) {
	s := newStack(t, true)
	s.up.setFail(&contracts.APIError{Status: 422, Message: "invalid", Errors: map[string][]string{"name": {"required"}}})
	rec := s.do(t, http.MethodPost, "/v1/commands", `{"endpoint":"/widgets/1","method":"PUT"}`)
	if rec.Code != 422 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[commandError](t, rec)
	if body.Errors["name"][0] != "required" {
		t.Fatalf("field errors lost: %+v", body)
	}
	if body.CorrelationID == "" {
		t.Fatalf("error body lacks the correlation id: %s", rec.Body.String())
	}
	if state, ok := s.bus.Get(body.CorrelationID); !ok || state.Status != contracts.StatusFailed {
		t.Fatalf("correlation id does not match the reported failure: %+v", state)
	}
}

func TestCommandValidation(t *testing.T) {
	s := newStack(t, true)
	tests := map[string]string{
		"bad json":      `{`,
		"bad method":    `{"endpoint":"/widgets/1","method":"HEAD"}`,
		"bad endpoint":  `{"endpoint":"widgets","method":"POST"}`,
		"missing parts": `{}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if rec := s.do(t, http.MethodPost, "/v1/commands", body); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
		})
	}
}

func TestQueueListAndClear(t *testing.T) {
	s := newStack(t, false)
	s.do(t, http.MethodPost, "/v1/commands", `{"endpoint":"/widgets/1","method":"PATCH"}`)
	s.do(t, http.MethodPost, "/v1/commands", `{"endpoint":"/widgets/2","method":"PATCH"}`)

	list := decode[queueResponse](t, s.do(t, http.MethodGet, "/v1/queue", ""))
	if len(list.Commands) != 2 || list.Commands[0].Endpoint != "/widgets/1" {
		t.Fatalf("unexpected queue %+v", list)
	}

	if rec := s.do(t, http.MethodDelete, "/v1/queue", ""); rec.Code != http.StatusOK {
		t.Fatalf("clear = %d", rec.Code)
	}
	if s.store.Len(context.Background()) != 0 {
		t.Fatalf("queue not cleared")
	}
	st := decode[statusResponse](t, s.do(t, http.MethodGet, "/v1/status", ""))
	if st.QueueDepth != 0 || st.Dispatcher != contracts.StatusIdle || st.Online {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSyncEndpoint(t *testing.T) {
	s := newStack(t, false)
	s.do(t, http.MethodPost, "/v1/commands", `{"endpoint":"/widgets/1","method":"PATCH"}`)

	if rec := s.do(t, http.MethodPost, "/v1/sync", ""); rec.Code != http.StatusConflict {
		t.Fatalf("sync while offline = %d, want 409", rec.Code)
	}
	s.do(t, http.MethodPost, "/v1/connectivity", `{"online":true}`)
	s.replayer.Wait()

	s.do(t, http.MethodPost, "/v1/commands", `{"endpoint":"/widgets/2","method":"PATCH"}`)
	s.mon.Set(false)
	s.do(t, http.MethodPost, "/v1/commands", `{"endpoint":"/widgets/3","method":"PATCH"}`)
	s.mon.Set(true)
	s.replayer.Wait()
	if s.store.Len(context.Background()) != 0 {
		t.Fatalf("queue not drained on reconnect")
	}

	rec := s.do(t, http.MethodPost, "/v1/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sync = %d", rec.Code)
	}
	if rep := decode[replay.Report](t, rec); rep.Skipped || rep.Attempted != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	s := newStack(t, false)
	s.do(t, http.MethodPost, "/v1/commands", `{"endpoint":"/widgets/1","method":"PATCH"}`)
	s.up.setFail(&contracts.APIError{Status: 409, Message: "conflict"})
	s.mon.Set(true)
	s.replayer.Wait()

	dead := decode[[]queue.DeadLetter](t, s.do(t, http.MethodGet, "/v1/dead-letters", ""))
	if len(dead) != 1 || dead[0].Status != 409 {
		t.Fatalf("unexpected dead letters %+v", dead)
	}
	id := dead[0].Command.ID

	s.up.setFail(nil)
	if rec := s.do(t, http.MethodPost, "/v1/dead-letters/"+id+"/requeue", ""); rec.Code != http.StatusOK {
		t.Fatalf("requeue = %d", rec.Code)
	}
	s.replayer.Wait()
	if s.store.Len(context.Background()) != 0 {
		t.Fatalf("requeued command should replay")
	}
	if state, _ := s.bus.Get(id); state.Status != contracts.StatusSuccess {
		t.Fatalf("bus state %+v", state)
	}

	if rec := s.do(t, http.MethodDelete, "/v1/dead-letters/"+id, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("discard missing = %d, want 404", rec.Code)
	}
}

func TestActionsEndpoints(t *testing.T) {
	s := newStack(t, true)
	s.bus.Report(contracts.ActionToastState{ID: "a1", Status: contracts.StatusSuccess})

	states := decode[[]contracts.ActionToastState](t, s.do(t, http.MethodGet, "/v1/actions", ""))
	if len(states) != 1 || states[0].ID != "a1" {
		t.Fatalf("unexpected actions %+v", states)
	}
	if rec := s.do(t, http.MethodDelete, "/v1/actions/a1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("clear = %d", rec.Code)
	}
	if _, ok := s.bus.Get("a1"); ok {
		t.Fatalf("action not cleared")
	}
	rules := decode[[]actions.Rule](t, s.do(t, http.MethodGet, "/v1/actions/rules", ""))
	if len(rules) != 3 || rules[2].Name != "default" {
		t.Fatalf("unexpected rules %+v", rules)
	}
}

func TestConnectivityOverride(t *testing.T) {
	s := newStack(t, true)
	if rec := s.do(t, http.MethodPost, "/v1/connectivity", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing online = %d", rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/v1/connectivity", `{"online":false}`)
	if rec.Code != http.StatusOK || s.mon.IsOnline() {
		t.Fatalf("override not applied: %d", rec.Code)
	}
}

func TestNotificationsJSONAndHTML(t *testing.T) {
	s := newStack(t, false)
	s.do(t, http.MethodPost, "/v1/commands", `{"endpoint":"/widgets/1","method":"PATCH"}`)

	notes := decode[[]contracts.Notification](t, s.do(t, http.MethodGet, "/v1/notifications", ""))
	if len(notes) != 1 || notes[0].Variant != contracts.VariantInfo {
		t.Fatalf("unexpected notifications %+v", notes)
	}
	rec := s.do(t, http.MethodGet, "/v1/notifications", "", "Accept", "text/html")
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") || !strings.Contains(rec.Body.String(), `class="toast toast-info"`) {
		t.Fatalf("unexpected html %q", rec.Body.String())
	}
}

func TestAuthScopes(t *testing.T) {
	s := newStack(t, true)
	m := platformauth.NewManager("secret", time.Hour)
	s.h.Tokens = &m
	s.router = s.h.Router()
	read, _ := m.Sign("viewer", platformauth.ScopeRead)
	write, _ := m.Sign("dashboard", platformauth.ScopeWrite)

	if rec := s.do(t, http.MethodGet, "/v1/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/v1/status?token="+read, ""); rec.Code != http.StatusOK {
		t.Fatalf("query token = %d", rec.Code)
	}
	body := `{"endpoint":"/widgets/1","method":"PATCH"}`
	if rec := s.do(t, http.MethodPost, "/v1/commands", body, "Authorization", "Bearer "+read); rec.Code != http.StatusForbidden {
		t.Fatalf("read token on write = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/v1/commands", body, "Authorization", "Bearer "+write); rec.Code != http.StatusOK {
		t.Fatalf("write token = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz should stay open, got %d", rec.Code)
	}

	// The dashboard is public and forwards its own ?token= to these calls.
	if rec := s.do(t, http.MethodGet, "/", ""); rec.Code != http.StatusOK {
		t.Fatalf("dashboard = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/v1/notifications?format=html&token="+read, ""); rec.Code != http.StatusOK {
		t.Fatalf("notifications with query token = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/v1/notifications/stream", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("stream without token = %d", rec.Code)
	}
}

func TestCORSLoopbackEquivalence(t *testing.T) {
	s := newStack(t, true)
	s.h.AllowedOrigins = []string{"http://localhost:3000"}
	rec := s.do(t, http.MethodOptions, "/v1/commands", "", "Origin", "http://127.0.0.1:3000")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:3000" {
		t.Fatalf("Allow-Origin = %q", got)
	}
	rec = s.do(t, http.MethodOptions, "/v1/commands", "", "Origin", "https://evil.example")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Allow-Origin for foreign origin = %q", got)
	}
}

func TestDashboardAndStatic(t *testing.T) {
	s := newStack(t, true)
	if rec := s.do(t, http.MethodGet, "/", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Offline agent") {
		t.Fatalf("dashboard = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/static/styles.css", ""); rec.Code != http.StatusOK {
		t.Fatalf("static = %d", rec.Code)
	}
}

func TestNotificationStream(t *testing.T) {
	s := newStack(t, true)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/notifications/stream?format=json", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				if event != "" {
					return event, data
				}
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data += strings.TrimPrefix(line, "data: ")
			}
		}
	}

	if ev, _ := readEvent(); ev != "status" {
		t.Fatalf("first event = %q, want status", ev)
	}
	s.hub.Notify(contracts.Notification{ID: "n1", Variant: contracts.VariantSuccess, Title: "Done"})
	ev, data := readEvent()
	if ev != "toast" {
		t.Fatalf("event = %q, want toast", ev)
	}
	var n contracts.Notification
	if err := json.Unmarshal([]byte(data), &n); err != nil || n.ID != "n1" {
		t.Fatalf("toast data %q: %v", data, err)
	}
}

func TestNotificationWebsocket(t *testing.T) {
	s := newStack(t, true)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/notifications/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello wsEnvelope
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		t.Fatalf("hello = %+v, %v", hello, err)
	}
	s.hub.Notify(contracts.Notification{ID: "n2", Variant: contracts.VariantError, Title: "No connection"})
	var env wsEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != "notification" || env.Notification == nil || env.Notification.ID != "n2" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}
