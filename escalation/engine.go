package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden/core"
	"warden/metrics"
	"warden/storage"

	"go.uber.org/zap"
)

// Store is the durable storage the engine needs: incident create/update plus the finding
// read-by-filter used for enrichment.
type Store interface {
	storage.IncidentStorage
	ListFindings(ctx context.Context, filter core.FindingFilter) ([]*core.Finding, error)
}

// IncidentNotifier announces created and updated incidents. It must not block or fail the pipeline.
type IncidentNotifier interface {
	NotifyIncident(ctx context.Context, incident *core.Incident, created bool)
}

// EngineConfig holds the collaborators of the escalation engine
type EngineConfig struct {
	// Policies in evaluation order; nil selects DefaultPolicies()
	Policies  []Policy
	State     core.StateStore
	Dedup     *core.DedupGuard
	Incidents Store
	Notifier  IncidentNotifier
	Logger    *zap.SugaredLogger
	Clock     func() time.Time
}

// Engine applies the ordered correlation policies to each event and its findings
type Engine struct {
	policies  []Policy
	state     core.StateStore
	dedup     *core.DedupGuard
	incidents Store
	notifier  IncidentNotifier
	logger    *zap.SugaredLogger
	clock     func() time.Time
}

// NewEngine creates an escalation engine
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.State == nil || cfg.Dedup == nil || cfg.Incidents == nil {
		return nil, fmt.Errorf("%w: escalation engine requires a state store, dedup guard and incident store", core.ErrConfiguration)
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		policies:  cfg.Policies,
		state:     cfg.State,
		dedup:     cfg.Dedup,
		incidents: cfg.Incidents,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
	}, nil
}

// Policies returns the policies in evaluation order
func (e *Engine) Policies() []Policy {
	return e.policies
}

// Escalate runs the policies in order and opens or updates the incident proposed by the first
// one that matches; later policies are not evaluated. It returns nil when no policy matches.
func (e *Engine) Escalate(ctx context.Context, ev *core.Event, findings []*core.Finding) (*core.Incident, error) {
	pc := &PolicyContext{
		Event:    ev,
		Findings: findings,
		Now:      e.clock().UTC(),
		Store:    e.state,
	}

	for _, p := range e.policies {
		proposal, err := p.TryEscalate(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("escalation policy %s: %w", p.Name(), err)
		}
		if proposal != nil {
			return e.apply(ctx, pc, proposal)
		}
	}
	return nil, nil
}

// apply opens the proposed incident, or appends to the incident that owns its dedup key
func (e *Engine) apply(ctx context.Context, pc *PolicyContext, p *Proposal) (*core.Incident, error) {
	findingIDs := p.FindingIDs
	if p.Enrich != nil {
		related, err := e.incidents.ListFindings(ctx, *p.Enrich)
		if err != nil {
			return nil, fmt.Errorf("%w: enrich incident: %v", core.ErrPersistence, err)
		}
		for _, f := range related {
			findingIDs = append(findingIDs, f.FindingID)
		}
	}
	eventIDs := p.EventIDs
	if len(eventIDs) == 0 {
		eventIDs = []string{pc.Event.EventID}
	}

	key := core.DedupIncidentPrefix + p.DedupKey
	owner, claimed, err := e.dedup.ClaimOwner(ctx, key, core.NewIncidentID(), p.DedupTTL)
	if err != nil {
		return nil, err
	}

	if claimed {
		return e.create(ctx, pc, p, owner, findingIDs, eventIDs)
	}

	inc, err := e.incidents.AppendToIncident(ctx, owner, storage.IncidentUpdate{
		FindingIDs: findingIDs,
		EventIDs:   eventIDs,
		Entry: core.TimelineEntry{
			Action:    core.TimelineUpdated,
			Rule:      p.Policy,
			Automatic: true,
			Message:   p.Title,
			At:        pc.Now,
		},
		At: pc.Now,
	})
	if errors.Is(err, storage.ErrIncidentNotFound) {
		// The claimant failed before storing its incident
		return e.create(ctx, pc, p, owner, findingIDs, eventIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: update incident %s: %v", core.ErrPersistence, owner, err)
	}
	e.announce(ctx, p, inc, false)
	return inc, nil
}

func (e *Engine) create(ctx context.Context, pc *PolicyContext, p *Proposal, id string, findingIDs, eventIDs []string) (*core.Incident, error) {
	ev := pc.Event
	inc := core.NewIncident(id, p.Title, p.Description, p.Severity, pc.Now)
	inc.AddFindings(findingIDs...)
	inc.AddEvents(eventIDs...)
	inc.Metadata[core.IncidentMetaSourceIP] = ev.SourceIP
	inc.Metadata[core.IncidentMetaTarget] = ev.Target
	if geo := ev.Country(); geo != "" {
		inc.Metadata[core.IncidentMetaGeo] = geo
	}
	inc.Metadata[core.IncidentMetaCreationRule] = p.Policy
	inc.Metadata[core.IncidentMetaCreationType] = core.CreationAutomatic
	inc.Metadata[core.IncidentMetaDedupKey] = p.DedupKey
	inc.AddTimeline(core.TimelineEntry{
		Action:    core.TimelineCreated,
		Rule:      p.Policy,
		Automatic: true,
		Message:   p.Description,
		At:        pc.Now,
	})

	err := e.incidents.CreateIncident(ctx, inc)
	if errors.Is(err, storage.ErrIncidentExists) {
		// A concurrent recovery stored it first
		stored, err := e.incidents.AppendToIncident(ctx, id, storage.IncidentUpdate{
			FindingIDs: findingIDs,
			EventIDs:   eventIDs,
			Entry:      core.TimelineEntry{Action: core.TimelineUpdated, Rule: p.Policy, Automatic: true, Message: p.Title, At: pc.Now},
			At:         pc.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: update incident %s: %v", core.ErrPersistence, id, err)
		}
		e.announce(ctx, p, stored, false)
		return stored, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: create incident %s: %v", core.ErrPersistence, id, err)
	}
	e.announce(ctx, p, inc, true)
	return inc, nil
}

func (e *Engine) announce(ctx context.Context, p *Proposal, inc *core.Incident, created bool) {
	action := "updated"
	if created {
		action = "created"
	}
	metrics.IncidentsEscalated.WithLabelValues(p.Policy, action).Inc()
	e.logger.Infow("Incident "+action,
		"incident_id", inc.IncidentID,
		"policy", p.Policy,
		"severity", inc.Severity,
		"source_ip", inc.Metadata[core.IncidentMetaSourceIP],
		"findings", len(inc.FindingIDs))

	if e.notifier != nil {
		e.notifier.NotifyIncident(ctx, inc, created)
	}
}
