package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLStore is the embedded-relational backend: one row per entry, indexed on
// (timestamp) and (gatewayId) as required by §4.3/§6.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (or creates) the SQLite database at path and applies any
// pending migrations.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: set pragma %q: %w", p, err)
		}
	}

	s := &SQLStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLStore) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	_ = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version, description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", e.Name(), err)
		}
		slog.Info("audit: applied migration", "version", version, "description", description)
	}
	return nil
}

func (s *SQLStore) Insert(ctx context.Context, e Entry) error {
	argsJSON, err := marshalOrNil(e.Arguments)
	if err != nil {
		return fmt.Errorf("audit: marshal arguments: %w", err)
	}
	resultJSON, err := marshalOrNil(e.Result)
	if err != nil {
		return fmt.Errorf("audit: marshal result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, timestamp, event_type, gateway_id, tool, arguments_json, result_json,
			error, persona, role, reasoning, cc_token_id, correlation_id, prev_hash, entry_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.Timestamp.UTC().Format(timestampLayout), string(e.EventType), e.GatewayID,
		nullableStr(e.Tool), argsJSON, resultJSON, nullableStr(e.Error),
		nullableStr(e.Persona), nullableStr(e.Role), nullableStr(e.Reasoning),
		nullableStr(e.CCTokenID), nullableStr(e.CorrelationID), nullableStr(e.PrevHash), e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// timestampLayout is RFC 3339 in UTC with a fixed nine-digit fraction, so
// the TEXT timestamp column sorts in time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *SQLStore) LastEntry(ctx context.Context, gatewayID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, event_type, gateway_id, tool, arguments_json, result_json,
		       error, persona, role, reasoning, cc_token_id, correlation_id, prev_hash, entry_hash
		FROM audit_entries
		WHERE gateway_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT 1
	`, gatewayID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoEntries
	}
	if err != nil {
		return nil, fmt.Errorf("audit: query last entry: %w", err)
	}
	return e, nil
}

func (s *SQLStore) AllAscending(ctx context.Context, gatewayID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, event_type, gateway_id, tool, arguments_json, result_json,
		       error, persona, role, reasoning, cc_token_id, correlation_id, prev_hash, entry_hash
		FROM audit_entries
		WHERE gateway_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("audit: query ascending: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLStore) Query(ctx context.Context, f QueryFilter, limit int) ([]Entry, error) {
	var conds []string
	var args []any

	if f.GatewayID != "" {
		conds = append(conds, "gateway_id = ?")
		args = append(args, f.GatewayID)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.Tool != "" {
		conds = append(conds, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(timestampLayout))
	}
	if f.Until != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.Until.UTC().Format(timestampLayout))
	}

	query := `
		SELECT id, timestamp, event_type, gateway_id, tool, arguments_json, result_json,
		       error, persona, role, reasoning, cc_token_id, correlation_id, prev_hash, entry_hash
		FROM audit_entries
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLStore) Stats(ctx context.Context, gatewayID string) (Stats, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries WHERE gateway_id = ?`, gatewayID).Scan(&count); err != nil {
		return Stats{}, fmt.Errorf("audit: count: %w", err)
	}
	last, err := s.LastEntry(ctx, gatewayID)
	lastHash := ""
	if err == nil {
		lastHash = last.EntryHash
	} else if !errors.Is(err, ErrNoEntries) {
		return Stats{}, err
	}
	return Stats{EntryCount: count, LastHash: lastHash, Backend: "sqlite"}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var ts, eventType string
	var tool, argsJSON, resultJSON, errStr, persona, role, reasoning, ccTokenID, correlationID, prevHash sql.NullString

	if err := row.Scan(
		&e.ID, &ts, &eventType, &e.GatewayID, &tool, &argsJSON, &resultJSON,
		&errStr, &persona, &role, &reasoning, &ccTokenID, &correlationID, &prevHash, &e.EntryHash,
	); err != nil {
		return nil, err
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	e.Timestamp = parsed
	e.EventType = EventType(eventType)
	e.Tool = nullToPtr(tool)
	e.Error = nullToPtr(errStr)
	e.Persona = nullToPtr(persona)
	e.Role = nullToPtr(role)
	e.Reasoning = nullToPtr(reasoning)
	e.CCTokenID = nullToPtr(ccTokenID)
	e.CorrelationID = nullToPtr(correlationID)
	e.PrevHash = nullToPtr(prevHash)

	if argsJSON.Valid && argsJSON.String != "" {
		var v any
		if err := json.Unmarshal([]byte(argsJSON.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal arguments: %w", err)
		}
		e.Arguments = v
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var v any
		if err := json.Unmarshal([]byte(resultJSON.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		e.Result = v
	}

	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func marshalOrNil(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullToPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
