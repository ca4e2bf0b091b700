package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/core"
)

// CreateIncident implements IncidentStorage
func (s *SQLite) CreateIncident(ctx context.Context, incident *core.Incident) error {
	metadata, err := json.Marshal(incident.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode incident metadata: %w", err)
	}

	err = s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO incidents (
				incident_id, title, description, severity, status, source_ip,
				metadata, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			incident.IncidentID,
			incident.Title,
			incident.Description,
			string(incident.Severity),
			string(incident.Status),
			incident.Metadata[core.IncidentMetaSourceIP],
			string(metadata),
			incident.CreatedAt.UnixNano(),
			incident.UpdatedAt.UnixNano(),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %s", ErrIncidentExists, incident.IncidentID)
			}
			return fmt.Errorf("failed to insert incident: %w", err)
		}

		if err := insertReferences(ctx, tx, "incident_findings", "finding_id", incident.IncidentID, incident.FindingIDs); err != nil {
			return err
		}
		if err := insertReferences(ctx, tx, "incident_events", "event_id", incident.IncidentID, incident.EventIDs); err != nil {
			return err
		}
		for _, entry := range incident.Timeline {
			if err := insertTimeline(ctx, tx, incident.IncidentID, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.Logger.Infow("Incident created",
		"incident_id", incident.IncidentID,
		"severity", incident.Severity,
		"rule", incident.Metadata[core.IncidentMetaCreationRule])
	return nil
}

// insertReferences appends ids to a reference table, skipping ones already present
func insertReferences(ctx context.Context, tx *sql.Tx, table, column, incidentID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM `+table+` WHERE incident_id = ?`, incidentID,
	).Scan(&next); err != nil {
		return fmt.Errorf("failed to read %s position: %w", table, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+table+` (incident_id, `+column+`, position) VALUES (?, ?, ?)
		 ON CONFLICT(incident_id, `+column+`) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare %s insert: %w", table, err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if id == "" {
			continue
		}
		res, err := stmt.ExecContext(ctx, incidentID, id, next)
		if err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			next++
		}
	}
	return nil
}

func insertTimeline(ctx context.Context, tx *sql.Tx, incidentID string, entry core.TimelineEntry) error {
	automatic := 0
	if entry.Automatic {
		automatic = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO incident_timeline (incident_id, action, rule, automatic, message, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, incidentID, entry.Action, entry.Rule, automatic, entry.Message, entry.At.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert timeline entry: %w", err)
	}
	return nil
}

// GetIncident implements IncidentStorage
func (s *SQLite) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	if s.isClosed() {
		return nil, ErrDatabaseClosed
	}

	var inc core.Incident
	var severity, status, metadata string
	var description sql.NullString
	var createdAt, updatedAt int64

	err := s.ReadDB.QueryRowContext(ctx, `
		SELECT incident_id, title, description, severity, status, metadata, created_at, updated_at
		FROM incidents WHERE incident_id = ?
	`, id).Scan(&inc.IncidentID, &inc.Title, &description, &severity, &status, &metadata, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query incident: %w", err)
	}

	inc.Description = description.String
	inc.Severity = core.Severity(severity)
	inc.Status = core.IncidentStatus(status)
	inc.CreatedAt = time.Unix(0, createdAt).UTC()
	inc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if err := json.Unmarshal([]byte(metadata), &inc.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode incident metadata: %w", err)
	}

	if inc.FindingIDs, err = s.loadReferences(ctx, "incident_findings", "finding_id", id); err != nil {
		return nil, err
	}
	if inc.EventIDs, err = s.loadReferences(ctx, "incident_events", "event_id", id); err != nil {
		return nil, err
	}
	if inc.Timeline, err = s.loadTimeline(ctx, id); err != nil {
		return nil, err
	}
	return &inc, nil
}

func (s *SQLite) loadReferences(ctx context.Context, table, column, incidentID string) ([]string, error) {
	rows, err := s.ReadDB.QueryContext(ctx,
		`SELECT `+column+` FROM `+table+` WHERE incident_id = ? ORDER BY position`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) loadTimeline(ctx context.Context, incidentID string) ([]core.TimelineEntry, error) {
	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT action, rule, automatic, message, at
		FROM incident_timeline WHERE incident_id = ? ORDER BY id
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query incident timeline: %w", err)
	}
	defer rows.Close()

	entries := make([]core.TimelineEntry, 0)
	for rows.Next() {
		var entry core.TimelineEntry
		var rule, message sql.NullString
		var automatic int
		var at int64
		if err := rows.Scan(&entry.Action, &rule, &automatic, &message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan timeline entry: %w", err)
		}
		entry.Rule = rule.String
		entry.Message = message.String
		entry.Automatic = automatic == 1
		entry.At = time.Unix(0, at).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// AppendToIncident implements IncidentStorage
func (s *SQLite) AppendToIncident(ctx context.Context, id string, update IncidentUpdate) (*core.Incident, error) {
	at := update.At
	if at.IsZero() {
		at = time.Now()
	}

	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE incidents SET updated_at = MAX(updated_at, ?) WHERE incident_id = ?`, at.UnixNano(), id)
		if err != nil {
			return fmt.Errorf("failed to touch incident: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
		}

		if err := insertReferences(ctx, tx, "incident_findings", "finding_id", id, update.FindingIDs); err != nil {
			return err
		}
		if err := insertReferences(ctx, tx, "incident_events", "event_id", id, update.EventIDs); err != nil {
			return err
		}
		if update.Entry.Action != "" {
			entry := update.Entry
			if entry.At.IsZero() {
				entry.At = at
			}
			return insertTimeline(ctx, tx, id, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetIncident(ctx, id)
}

// UpdateIncidentStatus implements IncidentStorage
func (s *SQLite) UpdateIncidentStatus(ctx context.Context, id string, status core.IncidentStatus, actor string, at time.Time) (*core.Incident, error) {
	inc, err := s.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := inc.Status
	if err := inc.TransitionTo(status, actor, at); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	entry := inc.Timeline[len(inc.Timeline)-1]

	err = s.WithTransaction(ctx, func(tx *sql.Tx) error {
		// The status guard rejects a concurrent transition that happened after our read
		res, err := tx.ExecContext(ctx, `
			UPDATE incidents SET status = ?, updated_at = MAX(updated_at, ?)
			WHERE incident_id = ? AND status = ?
		`, string(status), entry.At.UnixNano(), id, string(previous))
		if err != nil {
			return fmt.Errorf("failed to update incident status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: incident %s changed concurrently", ErrInvalidTransition, id)
		}
		return insertTimeline(ctx, tx, id, entry)
	})
	if err != nil {
		return nil, err
	}
	return s.GetIncident(ctx, id)
}

// ListIncidents implements IncidentStorage
func (s *SQLite) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*core.Incident, error) {
	if s.isClosed() {
		return nil, ErrDatabaseClosed
	}

	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SourceIP != "" {
		where = append(where, "source_ip = ?")
		args = append(args, filter.SourceIP)
	}
	query := `SELECT incident_id FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY updated_at DESC, incident_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan incident id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate incidents: %w", err)
	}

	incidents := make([]*core.Incident, 0, len(ids))
	for _, id := range ids {
		inc, err := s.GetIncident(ctx, id)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, nil
}

var _ Storage = (*SQLite)(nil)
