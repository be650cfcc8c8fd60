package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes events as JSON on <subject>.<kind>.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

func ConnectNATS(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("flowgate"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSSink{conn: nc, subject: subject}, nil
}

func (*NATSSink) Name() string { return "nats" }

func (s *NATSSink) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats marshal: %w", err)
	}
	subject := s.subject + "." + ev.Kind
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		return s.conn.Flush()
	}
	return s.conn.FlushWithContext(ctx)
}

func (s *NATSSink) Close() {
	s.conn.Close()
}
