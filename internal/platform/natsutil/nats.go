package natsutil

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/messaging"
)

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

// Options configures Connect. OnUp and OnDown feed connection state changes
// to a connectivity monitor.
type Options struct {
	URL    string
	Name   string
	OnUp   func()
	OnDown func()
	Log    logrus.FieldLogger
}

// Connect dials NATS, keeps reconnecting forever and provisions the command
// stream.
func Connect(opts Options) (*Client, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "nats")
	up := func() {
		if opts.OnUp != nil {
			opts.OnUp()
		}
	}
	down := func() {
		if opts.OnDown != nil {
			opts.OnDown()
		}
	}

	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
			down()
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrlRedacted()).Info("nats reconnected")
			up()
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("nats connection closed")
			down()
		}),
	)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := messaging.EnsureCommandStream(js); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

func ConnectWithRetry(opts Options, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := Connect(opts)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("connect nats timeout after %s: %w", timeout, lastErr)
}

// QueueBucket opens the key/value bucket used by the nats queue driver.
func (c *Client) QueueBucket(bucket string) (nats.KeyValue, error) {
	return messaging.EnsureQueueBucket(c.JS, bucket)
}

func (c *Client) Connected() bool {
	return c != nil && c.Conn != nil && c.Conn.IsConnected()
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}
