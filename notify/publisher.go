package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"warden/core"

	"github.com/nats-io/nats.go"
)

// Publisher delivers notifications to one outbound channel
type Publisher interface {
	Name() string
	PublishFinding(ctx context.Context, finding *core.Finding) error
	PublishIncident(ctx context.Context, incident *core.Incident, created bool) error
}

// MsgPublisher is the part of *nats.Conn the NATS publisher uses
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSPublisher publishes findings to <prefix>.findings and incidents to
// <prefix>.incidents.created / <prefix>.incidents.updated as JSON with routing headers
type NATSPublisher struct {
	conn   MsgPublisher
	prefix string
}

// NewNATSPublisher creates a publisher over conn
func NewNATSPublisher(conn MsgPublisher, subjectPrefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: subjectPrefix}
}

// Name implements Publisher
func (p *NATSPublisher) Name() string { return "nats" }

// FindingsSubject returns the subject findings are published on
func (p *NATSPublisher) FindingsSubject() string { return p.prefix + ".findings" }

// IncidentSubject returns the subject for created or updated incidents
func (p *NATSPublisher) IncidentSubject(created bool) string {
	if created {
		return p.prefix + ".incidents.created"
	}
	return p.prefix + ".incidents.updated"
}

// PublishFinding implements Publisher
func (p *NATSPublisher) PublishFinding(_ context.Context, f *core.Finding) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal finding: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-finding-id", f.FindingID)
	headers.Set("x-rule", f.RuleName)
	headers.Set("x-severity", string(f.Severity))
	headers.Set("x-source-ip", f.SourceIP)
	headers.Set("x-timestamp", f.CreatedAt.Format(time.RFC3339Nano))

	if err := p.conn.PublishMsg(&nats.Msg{Subject: p.FindingsSubject(), Data: data, Header: headers}); err != nil {
		return fmt.Errorf("failed to publish finding: %w", err)
	}
	return nil
}

// PublishIncident implements Publisher
func (p *NATSPublisher) PublishIncident(_ context.Context, inc *core.Incident, created bool) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-incident-id", inc.IncidentID)
	headers.Set("x-severity", string(inc.Severity))
	headers.Set("x-source-ip", inc.Metadata[core.IncidentMetaSourceIP])
	headers.Set("x-creation-rule", inc.Metadata[core.IncidentMetaCreationRule])
	headers.Set("x-created", strconv.FormatBool(created))
	headers.Set("x-timestamp", inc.UpdatedAt.Format(time.RFC3339Nano))

	if err := p.conn.PublishMsg(&nats.Msg{Subject: p.IncidentSubject(created), Data: data, Header: headers}); err != nil {
		return fmt.Errorf("failed to publish incident: %w", err)
	}
	return nil
}

// IncidentNotice is one incident notification seen by a RecordingPublisher
type IncidentNotice struct {
	Incident *core.Incident
	Created  bool
}

// RecordingPublisher keeps every notification in memory. Err, when set, fails every publish.
type RecordingPublisher struct {
	mu        sync.Mutex
	findings  []*core.Finding
	incidents []IncidentNotice
	Err       error
}

// Name implements Publisher
func (r *RecordingPublisher) Name() string { return "recording" }

// PublishFinding implements Publisher
func (r *RecordingPublisher) PublishFinding(_ context.Context, f *core.Finding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.findings = append(r.findings, f)
	return nil
}

// PublishIncident implements Publisher
func (r *RecordingPublisher) PublishIncident(_ context.Context, inc *core.Incident, created bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.incidents = append(r.incidents, IncidentNotice{Incident: inc, Created: created})
	return nil
}

// Findings returns the recorded findings
func (r *RecordingPublisher) Findings() []*core.Finding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*core.Finding(nil), r.findings...)
}

// Incidents returns the recorded incident notifications
func (r *RecordingPublisher) Incidents() []IncidentNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]IncidentNotice(nil), r.incidents...)
}
