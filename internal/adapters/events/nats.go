// Package events publishes render notifications over NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

// DefaultSubjectPrefix is the subject namespace for render events.
const DefaultSubjectPrefix = "parcelmaps.render"

// Publisher implements output.EventPublisher using core NATS.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// NewPublisher connects to NATS at url.
func NewPublisher(url, prefix string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("parcelmaps"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix}, nil
}

// PublishRender announces a finished render on <prefix>.<theme>.
func (p *Publisher) PublishRender(_ context.Context, event domain.RenderEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.conn.Publish(Subject(p.prefix, event.Theme), data)
}

// Connected reports the connection state for health checks.
func (p *Publisher) Connected() bool {
	return p.conn.IsConnected()
}

// Close drains and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

// Subject returns the subject for theme. Characters that NATS treats as
// tokens or wildcards are replaced.
func Subject(prefix, theme string) string {
	theme = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, theme)
	if theme == "" {
		theme = "unknown"
	}
	return prefix + "." + theme
}
