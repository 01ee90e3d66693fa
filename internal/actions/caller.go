package actions

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/contracts"
	"github.com/todo-1m/offline/internal/dispatch"
	"github.com/todo-1m/offline/internal/queue"
)

type Dispatcher interface {
	Execute(ctx context.Context, endpoint string, method contracts.Method, payload json.RawMessage, opts ...dispatch.CallOption) (*dispatch.Result, error)
}

type Reporter interface {
	Report(state contracts.ActionToastState)
}

// Request is one call-site invocation. Silent and SuccessMessage override the
// matched rule when set.
type Request struct {
	CorrelationID  string           `json:"correlation_id,omitempty"`
	Endpoint       string           `json:"endpoint"`
	Method         contracts.Method `json:"method"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
	Silent         *bool            `json:"silent,omitempty"`
	SuccessMessage string           `json:"success_message,omitempty"`
}

// Outcome is what a call site gets back when the call did not fail.
type Outcome struct {
	CorrelationID string                 `json:"correlation_id"`
	Status        contracts.ActionStatus `json:"status"`
	Rule          string                 `json:"rule"`
	Data          json.RawMessage        `json:"data,omitempty"`
	Receipt       *queue.Receipt         `json:"receipt,omitempty"`
}

// Caller applies the action policy in front of the dispatcher: actions that
// cannot be queued fail fast while offline.
type Caller struct {
	Policy           *Policy
	Dispatcher       Dispatcher
	Conn             dispatch.Connectivity
	Bus              Reporter
	NewCorrelationID func() string

	log logrus.FieldLogger
}

func NewCaller(policy *Policy, d Dispatcher, conn dispatch.Connectivity, bus Reporter, log logrus.FieldLogger) *Caller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Caller{
		Policy:           policy,
		Dispatcher:       d,
		Conn:             conn,
		Bus:              bus,
		NewCorrelationID: uuid.NewString,
		log:              log.WithField("component", "actions"),
	}
}

func (c *Caller) Call(ctx context.Context, req Request) (Outcome, error) {
	rule := c.Policy.Resolve(req.Method, req.Endpoint)
	silent := rule.Silent
	if req.Silent != nil {
		silent = *req.Silent
	}
	successMessage := rule.SuccessMessage
	if req.SuccessMessage != "" {
		successMessage = req.SuccessMessage
	}

	if !rule.Queueable && !c.Conn.IsOnline() {
		id := req.CorrelationID
		if id == "" {
			id = c.NewCorrelationID()
		}
		apiErr := contracts.NewOfflineError("this action needs a connection")
		c.Bus.Report(contracts.ActionToastState{ID: id, Status: contracts.StatusFailed, Error: apiErr, Silent: silent})
		c.log.WithFields(logrus.Fields{
			"action_id": id,
			"rule":      rule.Name,
			"method":    req.Method,
			"endpoint":  req.Endpoint,
		}).Info("rejected offline action")
		return Outcome{CorrelationID: id, Status: contracts.StatusFailed, Rule: rule.Name}, apiErr
	}

	var receipt *queue.Receipt
	opts := []dispatch.CallOption{
		dispatch.OnQueued(func(r queue.Receipt) { receipt = &r }),
		// Connectivity can drop between the check above and the dispatch.
		dispatch.Queueable(rule.Queueable),
	}
	if req.CorrelationID != "" {
		opts = append(opts, dispatch.WithCorrelationID(req.CorrelationID))
	}
	if silent {
		opts = append(opts, dispatch.Silent())
	}
	if successMessage != "" {
		opts = append(opts, dispatch.WithSuccessMessage(successMessage))
	}

	res, err := c.Dispatcher.Execute(ctx, req.Endpoint, req.Method, req.Payload, opts...)
	if err != nil {
		id := req.CorrelationID
		if res != nil {
			id = res.CorrelationID
		}
		return Outcome{CorrelationID: id, Status: contracts.StatusFailed, Rule: rule.Name}, err
	}
	if res == nil {
		id := req.CorrelationID
		if id == "" && receipt != nil {
			id = receipt.ID
		}
		return Outcome{CorrelationID: id, Status: contracts.StatusQueued, Rule: rule.Name, Receipt: receipt}, nil
	}
	return Outcome{CorrelationID: res.CorrelationID, Status: contracts.StatusSuccess, Rule: rule.Name, Data: res.Data}, nil
}
