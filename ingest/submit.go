package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"warden/core"

	"github.com/nats-io/nats.go"
)

// SubjectFor returns the delivery subject for priority under prefix
func SubjectFor(prefix, priority string) string {
	return prefix + "." + priority
}

// PriorityOf returns the delivery priority requested by a raw event
func PriorityOf(raw *core.RawEvent) string {
	if core.ParseSeverity(raw.Severity) == core.SeverityCritical {
		return PriorityCritical
	}
	return PriorityNormal
}

// StreamPublisher is the part of nats.JetStreamContext the submitter uses
type StreamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Submitter publishes raw events onto the delivery subjects. Critical submissions go to the
// critical subject so consumers pick them up first.
type Submitter struct {
	js     StreamPublisher
	prefix string
}

// NewSubmitter creates a submitter publishing under subjectPrefix
func NewSubmitter(js StreamPublisher, subjectPrefix string) *Submitter {
	return &Submitter{js: js, prefix: subjectPrefix}
}

// Submit publishes raw and returns the subject it was routed to
func (s *Submitter) Submit(ctx context.Context, raw *core.RawEvent) (string, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := SubjectFor(s.prefix, PriorityOf(raw))
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderContentType, ContentTypeJSON)
	if raw.EventID != "" {
		// JetStream drops duplicates of the same event within its dedup window
		msg.Header.Set(nats.MsgIdHdr, raw.EventID)
	}

	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return "", fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}
	return subject, nil
}
