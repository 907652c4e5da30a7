package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"corpusguard.org/internal/audit"
)

const auditColumns = `seq, id, occurred_at, actor_id, actor_username, actor_role, action,
	resource_type, resource_id, description, origin_address, origin_agent, payload, seal`

// Append inserts e. The table rejects update and delete, so this is the
// only write path.
func (s *Store) Append(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("%w: payload: %v", audit.ErrInvalidEntry, err)
	}
	var actorID, actorName, actorRole sql.NullString
	if e.Actor != nil {
		actorID = nullIfEmpty(e.Actor.ID)
		actorName = nullIfEmpty(e.Actor.Username)
		actorRole = nullIfEmpty(e.Actor.Role)
	}
	err = s.db.QueryRowContext(ctx, `
		insert into audit_entries(id, occurred_at, actor_id, actor_username, actor_role, action,
			resource_type, resource_id, description, origin_address, origin_agent, payload, seal)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		returning seq
	`, e.ID, e.OccurredAt, actorID, actorName, actorRole, string(e.Action),
		e.ResourceType, e.ResourceID, e.Description, e.OriginAddress, e.OriginAgent, raw, e.Seal).Scan(&e.Seq)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return audit.Entry{}, fmt.Errorf("%w: duplicate id %s", audit.ErrInvalidEntry, e.ID)
		}
		return audit.Entry{}, classify("append audit entry", err)
	}
	return e, nil
}

func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		ph    placeholders
	)
	if f.ActorID != "" {
		where = append(where, "actor_id = "+ph.add(f.ActorID))
	}
	if f.Action != "" {
		where = append(where, "action = "+ph.add(string(f.Action)))
	}
	if f.ResourceType != "" {
		where = append(where, "resource_type = "+ph.add(f.ResourceType))
	}
	if f.ResourceID != "" {
		where = append(where, "resource_id = "+ph.add(f.ResourceID))
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= "+ph.add(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "occurred_at < "+ph.add(f.Until))
	}
	query := `select ` + auditColumns + ` from audit_entries`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	if f.Ascending {
		query += ` order by occurred_at asc, seq asc`
	} else {
		query += ` order by occurred_at desc, seq desc`
	}
	if f.Limit > 0 {
		query += ` limit ` + ph.add(f.Limit)
	}
	if f.Offset > 0 {
		query += ` offset ` + ph.add(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, ph.args...)
	if err != nil {
		return nil, classify("query audit entries", err)
	}
	defer rows.Close()

	out := make([]audit.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query audit entries", err)
	}
	return out, nil
}

func scanEntry(row rowScanner) (audit.Entry, error) {
	var (
		e                            audit.Entry
		action                       string
		actorID, actorName, actorRole sql.NullString
		raw                          []byte
	)
	if err := row.Scan(&e.Seq, &e.ID, &e.OccurredAt, &actorID, &actorName, &actorRole, &action,
		&e.ResourceType, &e.ResourceID, &e.Description, &e.OriginAddress, &e.OriginAgent, &raw, &e.Seal); err != nil {
		return audit.Entry{}, classify("scan audit entry", err)
	}
	e.Action = audit.Action(action)
	e.OccurredAt = e.OccurredAt.UTC()
	if actorID.Valid {
		e.Actor = &audit.Actor{ID: actorID.String, Username: actorName.String, Role: actorRole.String}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return audit.Entry{}, fmt.Errorf("pg: decode audit payload %s: %w", e.ID, err)
		}
	}
	return e, nil
}
