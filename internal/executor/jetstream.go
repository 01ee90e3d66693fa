package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/todo-1m/offline/internal/contracts"
	"github.com/todo-1m/offline/internal/sharding"
)

// MsgPublisher is the part of nats.JetStreamContext the executor needs.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Envelope is the message body published for each command.
type Envelope struct {
	CommandID string           `json:"command_id,omitempty"`
	Endpoint  string           `json:"endpoint"`
	Method    contracts.Method `json:"method"`
	Payload   json.RawMessage  `json:"payload"`
	SentAt    time.Time        `json:"sent_at"`
}

// JetStream publishes commands onto the sharded command stream instead of
// calling the HTTP API. The PubAck is returned as the result.
type JetStream struct {
	JS  MsgPublisher
	Now func() time.Time
}

func NewJetStream(js MsgPublisher) *JetStream {
	return &JetStream{
		JS:  js,
		Now: func() time.Time { return time.Now().UTC() },
	}
}

func (j *JetStream) Execute(ctx context.Context, endpoint string, method contracts.Method, payload json.RawMessage) (json.RawMessage, error) {
	subject, err := sharding.CommandSubject(string(method), endpoint)
	if err != nil {
		return nil, &contracts.APIError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	id := CommandID(ctx)
	body, err := json.Marshal(Envelope{
		CommandID: id,
		Endpoint:  endpoint,
		Method:    method,
		Payload:   payload,
		SentAt:    j.Now(),
	})
	if err != nil {
		return nil, &contracts.APIError{Status: http.StatusBadRequest, Message: err.Error()}
	}

	msg := nats.NewMsg(subject)
	msg.Data = body
	opts := []nats.PubOpt{nats.Context(ctx)}
	if id != "" {
		// JetStream drops duplicates inside the stream's dedup window.
		opts = append(opts, nats.MsgId(id))
	}
	ack, err := j.JS.PublishMsg(msg, opts...)
	if err != nil {
		return nil, normalizeNATSError(err)
	}
	out, err := json.Marshal(ack)
	if err != nil {
		return nil, contracts.AsAPIError(fmt.Errorf("encode ack: %w", err))
	}
	return out, nil
}

func normalizeNATSError(err error) *contracts.APIError {
	var jsErr nats.JetStreamError
	if errors.As(err, &jsErr) {
		if apiErr := jsErr.APIError(); apiErr != nil && apiErr.Code >= 400 {
			return &contracts.APIError{Status: apiErr.Code, Message: apiErr.Description}
		}
	}
	return contracts.AsAPIError(err)
}
