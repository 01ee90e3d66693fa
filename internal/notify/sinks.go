package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/contracts"
)

// LogSink writes notifications to the agent log.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Notify(n contracts.Notification) {
	entry := s.Log.WithFields(logrus.Fields{
		"action_id": n.ID,
		"status":    n.Status,
		"variant":   n.Variant,
	})
	if n.Variant == contracts.VariantError {
		entry.Warn(n.Title + ": " + n.Description)
		return
	}
	entry.Info(n.Title + ": " + n.Description)
}

// TerminalSink renders one colored line per notification.
type TerminalSink struct {
	mu     sync.Mutex
	out    io.Writer
	styles map[contracts.Variant]lipgloss.Style
	body   lipgloss.Style
}

func NewTerminalSink(out io.Writer) *TerminalSink {
	badge := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	return &TerminalSink{
		out: out,
		styles: map[contracts.Variant]lipgloss.Style{
			contracts.VariantInfo:    badge.Background(lipgloss.Color("#2563eb")).Foreground(lipgloss.Color("#ffffff")),
			contracts.VariantSuccess: badge.Background(lipgloss.Color("#16a34a")).Foreground(lipgloss.Color("#ffffff")),
			contracts.VariantError:   badge.Background(lipgloss.Color("#dc2626")).Foreground(lipgloss.Color("#ffffff")),
		},
		body: lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af")),
	}
}

func (s *TerminalSink) Notify(n contracts.Notification) {
	style, ok := s.styles[n.Variant]
	if !ok {
		style = s.styles[contracts.VariantInfo]
	}
	line := fmt.Sprintf("%s %s %s\n", style.Render(n.Title), s.body.Render(n.Description), s.body.Render("["+n.ID+"]"))
	s.mu.Lock()
	_, _ = io.WriteString(s.out, line)
	s.mu.Unlock()
}

const defaultRecent = 50

// Hub keeps recent notifications and fans them out to live listeners
// (SSE and websocket clients). Slow listeners lose messages rather than
// blocking the bus.
type Hub struct {
	mu        sync.RWMutex
	recent    []contracts.Notification
	max       int
	listeners map[int]chan contracts.Notification
	nextID    int
}

func NewHub(maxRecent int) *Hub {
	if maxRecent <= 0 {
		maxRecent = defaultRecent
	}
	return &Hub{max: maxRecent, listeners: map[int]chan contracts.Notification{}}
}

func (h *Hub) Notify(n contracts.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, n)
	if len(h.recent) > h.max {
		h.recent = h.recent[len(h.recent)-h.max:]
	}
	for _, ch := range h.listeners {
		select {
		case ch <- n:
		default:
		}
	}
}

// Recent returns the retained notifications, newest first.
func (h *Hub) Recent() []contracts.Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]contracts.Notification, len(h.recent))
	for i, n := range h.recent {
		out[len(h.recent)-1-i] = n
	}
	return out
}

// Listen registers a buffered listener. cancel closes the channel.
func (h *Hub) Listen(buffer int) (<-chan contracts.Notification, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan contracts.Notification, buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
