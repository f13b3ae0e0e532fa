package registry

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

// SQLStore is the registry's embedded-relational backend (§6 "Persisted
// layouts"), structured the same way as audit.SQLStore: one package-local
// numbered-migration runner over the same driver.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (or creates) the SQLite database at path and applies
// any pending migrations.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry: set pragma %q: %w", p, err)
		}
	}

	s := &SQLStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: run migrations: %w", err)
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
		slog.Info("registry: applied migration", "version", version, "description", description)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) CreateAgent(ctx context.Context, a Agent) error {
	toolsJSON, err := json.Marshal(a.AllowedTools)
	if err != nil {
		return fmt.Errorf("registry: marshal allowed tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (
			id, name, description, current_version, current_hash,
			allowed_tools_json, max_concurrent_sessions, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.Description, a.CurrentVersion, a.CurrentHash,
		string(toolsJSON), a.MaxConcurrentSessions, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("registry: create agent: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, current_version, current_hash,
		       allowed_tools_json, max_concurrent_sessions, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get agent: %w", err)
	}
	return a, nil
}

func (s *SQLStore) ListAgents(ctx context.Context, limit, offset int) ([]Agent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, current_version, current_hash,
		       allowed_tools_json, max_concurrent_sessions, created_at, updated_at
		FROM agents ORDER BY created_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("registry: list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateAgentHead(ctx context.Context, id string, version int, hash string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET current_version = ?, current_hash = ?, updated_at = ?
		WHERE id = ?
	`, version, hash, time.Now(), id)
	if err != nil {
		return fmt.Errorf("registry: update agent head: %w", err)
	}
	return requireRowsAffected(result, id)
}

func (s *SQLStore) UpdateAgentFields(ctx context.Context, id, name, description string, allowedTools []string, maxConcurrentSessions int) error {
	toolsJSON, err := json.Marshal(allowedTools)
	if err != nil {
		return fmt.Errorf("registry: marshal allowed tools: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET name = ?, description = ?, allowed_tools_json = ?, max_concurrent_sessions = ?, updated_at = ?
		WHERE id = ?
	`, name, description, string(toolsJSON), maxConcurrentSessions, time.Now(), id)
	if err != nil {
		return fmt.Errorf("registry: update agent fields: %w", err)
	}
	return requireRowsAffected(result, id)
}

func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("registry: delete agent: %w", err)
	}
	return requireRowsAffected(result, id)
}

func (s *SQLStore) CreateVersion(ctx context.Context, v AgentVersion) error {
	personaJSON, err := json.Marshal(v.Persona)
	if err != nil {
		return fmt.Errorf("registry: marshal persona: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_versions (
			id, agent_id, version, hash, persona_json, system_prompt,
			created_at, created_by, commit_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.AgentID, v.Version, v.Hash, string(personaJSON), v.SystemPrompt,
		v.CreatedAt, v.CreatedBy, v.CommitMessage)
	if err != nil {
		return fmt.Errorf("registry: create version: %w", err)
	}
	return nil
}

func (s *SQLStore) GetVersion(ctx context.Context, agentID string, version int) (*AgentVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, version, hash, persona_json, system_prompt,
		       created_at, created_by, commit_message
		FROM agent_versions WHERE agent_id = ? AND version = ?
	`, agentID, version)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s version %d", ErrNotFound, agentID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get version: %w", err)
	}
	return v, nil
}

func (s *SQLStore) ListVersions(ctx context.Context, agentID string) ([]AgentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, version, hash, persona_json, system_prompt,
		       created_at, created_by, commit_message
		FROM agent_versions WHERE agent_id = ? ORDER BY version ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("registry: list versions: %w", err)
	}
	defer rows.Close()

	var out []AgentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan version: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertSpawnLog(ctx context.Context, e SpawnLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spawn_log (id, agent_id, version, hash, session_id, spawned_by, spawned_at, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AgentID, e.Version, e.Hash, nullableStr(e.SessionID), nullableStr(e.SpawnedBy),
		e.SpawnedAt, boolToInt(e.Success), nullableStr(e.Error))
	if err != nil {
		return fmt.Errorf("registry: insert spawn log: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var toolsJSON string
	if err := row.Scan(
		&a.ID, &a.Name, &a.Description, &a.CurrentVersion, &a.CurrentHash,
		&toolsJSON, &a.MaxConcurrentSessions, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if toolsJSON != "" {
		if err := json.Unmarshal([]byte(toolsJSON), &a.AllowedTools); err != nil {
			return nil, fmt.Errorf("unmarshal allowed tools: %w", err)
		}
	}
	return &a, nil
}

func scanVersion(row rowScanner) (*AgentVersion, error) {
	var v AgentVersion
	var personaJSON string
	if err := row.Scan(
		&v.ID, &v.AgentID, &v.Version, &v.Hash, &personaJSON, &v.SystemPrompt,
		&v.CreatedAt, &v.CreatedBy, &v.CommitMessage,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(personaJSON), &v.Persona); err != nil {
		return nil, fmt.Errorf("unmarshal persona: %w", err)
	}
	return &v, nil
}

func requireRowsAffected(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return nil
}

func nullableStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
