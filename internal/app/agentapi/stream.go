package agentapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/contracts"
	"github.com/todo-1m/offline/services/frontend"
)

// handleStream pushes each notification as a server-sent event. HTML
// fragments by default, JSON with ?format=json.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	asJSON := strings.EqualFold(r.URL.Query().Get("format"), "json")
	ch, cancel := h.Hub.Listen(32)
	defer cancel()

	send := func(event, data string) {
		fmt.Fprintf(w, "event: %s\n", event)
		for _, line := range strings.Split(data, "\n") {
			fmt.Fprintf(w, "data: %s\n", line)
		}
		fmt.Fprint(w, "\n")
		flusher.Flush()
	}
	sendStatus := func() {
		st := h.status(r.Context())
		if asJSON {
			raw, _ := json.Marshal(st)
			send("status", string(raw))
			return
		}
		var buf bytes.Buffer
		if err := frontend.StatusBadge(st.Online, st.QueueDepth, st.Replay.Status).Render(r.Context(), &buf); err == nil {
			send("status", buf.String())
		}
	}

	sendStatus()
	heartbeat := time.NewTicker(h.heartbeat())
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case n, ok := <-ch:
			if !ok {
				return
			}
			if asJSON {
				raw, _ := json.Marshal(n)
				send("toast", string(raw))
			} else {
				var buf bytes.Buffer
				if err := frontend.Toast(n).Render(r.Context(), &buf); err != nil {
					continue
				}
				send("toast", buf.String())
			}
			sendStatus()
		}
	}
}

type wsEnvelope struct {
	Type         string                  `json:"type"`
	Notification *contracts.Notification `json:"notification,omitempty"`
	Timestamp    int64                   `json:"timestamp"`
}

const wsWriteWait = 10 * time.Second

// handleWebsocket sends notifications as JSON envelopes. The read loop only
// watches for the client going away.
func (h *Handler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, cancel := h.Hub.Listen(32)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(env wsEnvelope) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(env)
	}
	if err := write(wsEnvelope{Type: "hello", Timestamp: time.Now().UnixMilli()}); err != nil {
		return
	}

	ping := time.NewTicker(h.heartbeat())
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := write(wsEnvelope{Type: "notification", Notification: &n, Timestamp: time.Now().UnixMilli()}); err != nil {
				h.log.WithFields(logrus.Fields{"notification_id": n.ID}).WithError(err).Debug("websocket write failed")
				return
			}
		}
	}
}
