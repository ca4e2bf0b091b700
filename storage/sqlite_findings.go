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

const defaultListLimit = 500

// InsertFindings implements FindingStorage
func (s *SQLite) InsertFindings(ctx context.Context, findings []*core.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO findings (
				finding_id, rule_name, severity, severity_rank, source_ip, target,
				dedup_key, evidence, reference, event_id, event_type, status, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(finding_id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare finding insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range findings {
			evidence, err := json.Marshal(f.Evidence)
			if err != nil {
				return fmt.Errorf("failed to encode evidence of finding %s: %w", f.FindingID, err)
			}
			if _, err := stmt.ExecContext(ctx,
				f.FindingID,
				f.RuleName,
				string(f.Severity),
				f.Severity.Rank(),
				f.SourceIP,
				f.Target,
				f.DedupKey,
				string(evidence),
				f.Reference,
				f.EventID,
				f.EventType,
				string(f.Status),
				f.CreatedAt.UnixNano(),
			); err != nil {
				return fmt.Errorf("failed to insert finding %s: %w", f.FindingID, err)
			}
		}
		return nil
	})
}

const findingColumns = `finding_id, rule_name, severity, source_ip, target, dedup_key,
	evidence, reference, event_id, event_type, status, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFinding(row rowScanner) (*core.Finding, error) {
	var f core.Finding
	var severity, status, evidence string
	var reference sql.NullString
	var createdAt int64

	if err := row.Scan(
		&f.FindingID,
		&f.RuleName,
		&severity,
		&f.SourceIP,
		&f.Target,
		&f.DedupKey,
		&evidence,
		&reference,
		&f.EventID,
		&f.EventType,
		&status,
		&createdAt,
	); err != nil {
		return nil, err
	}

	f.Severity = core.Severity(severity)
	f.Status = core.FindingStatus(status)
	f.Reference = reference.String
	f.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(evidence), &f.Evidence); err != nil {
		return nil, fmt.Errorf("failed to decode evidence of finding %s: %w", f.FindingID, err)
	}
	return &f, nil
}

// GetFinding implements FindingStorage
func (s *SQLite) GetFinding(ctx context.Context, id string) (*core.Finding, error) {
	if s.isClosed() {
		return nil, ErrDatabaseClosed
	}
	row := s.ReadDB.QueryRowContext(ctx, `SELECT `+findingColumns+` FROM findings WHERE finding_id = ?`, id)
	f, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrFindingNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query finding: %w", err)
	}
	return f, nil
}

// ListFindings implements FindingStorage
func (s *SQLite) ListFindings(ctx context.Context, filter core.FindingFilter) ([]*core.Finding, error) {
	if s.isClosed() {
		return nil, ErrDatabaseClosed
	}

	var where []string
	var args []interface{}
	if filter.SourceIP != "" {
		where = append(where, "source_ip = ?")
		args = append(args, filter.SourceIP)
	}
	if filter.RuleName != "" {
		where = append(where, "rule_name = ?")
		args = append(args, filter.RuleName)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.Until.UnixNano())
	}
	if filter.MinLevel != "" {
		where = append(where, "severity_rank >= ?")
		args = append(args, filter.MinLevel.Rank())
	}

	query := `SELECT ` + findingColumns + ` FROM findings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY created_at DESC, finding_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	findings := make([]*core.Finding, 0)
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate findings: %w", err)
	}
	return findings, nil
}
