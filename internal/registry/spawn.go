package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/agentgate/common/retry"
	"github.com/bdobrica/agentgate/internal/audit"
)

// taskDelimiter separates a spawned agent's persona system prompt from its
// task in the body sent to the upstream runtime.
const taskDelimiter = "\n\n=== TASK ===\n\n"

// spawnRequest is the upstream agent runtime's POST body.
type spawnRequest struct {
	Task              string `json:"task"`
	Label             string `json:"label"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds"`
	Model             string `json:"model,omitempty"`
}

// spawnResponse accepts either field name the runtime may reply with.
type spawnResponse struct {
	SessionKey string `json:"sessionKey"`
	SessionID  string `json:"session_id"`
}

func (r spawnResponse) sessionID() string {
	if r.SessionKey != "" {
		return r.SessionKey
	}
	return r.SessionID
}

// Spawner hands an agent's spawn payload off to the upstream agent
// runtime over HTTP, retrying transient failures (common/retry).
type Spawner struct {
	URL         string
	HTTPClient  *http.Client
	Registry    *Registry
	Chain       *audit.Chain
	RetryConfig retry.Config
}

// NewSpawner builds a Spawner with sane HTTP and retry defaults.
func NewSpawner(url string, registry *Registry, chain *audit.Chain) *Spawner {
	return &Spawner{
		URL:         url,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Registry:    registry,
		Chain:       chain,
		RetryConfig: retry.DefaultConfig,
	}
}

// Spawn validates the agent+version, builds the spawn payload, and calls
// the upstream runtime with the persona prepended to task (§4.6 "Spawn").
func (s *Spawner) Spawn(ctx context.Context, agentID string, version *int, task string, runTimeoutSeconds int, model, spawnedBy string) (string, error) {
	payload, err := s.Registry.GetSpawnPayload(ctx, agentID, version)
	if err != nil {
		return "", fmt.Errorf("registry: spawn: %w", err)
	}

	body := spawnRequest{
		Task:              payload.SystemPrompt + taskDelimiter + task,
		Label:             payload.Label,
		RunTimeoutSeconds: runTimeoutSeconds,
		Model:             model,
	}
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("registry: marshal spawn request: %w", err)
	}

	var sessionID string
	callErr := retry.Do(ctx, s.RetryConfig, func() error {
		id, err := s.doSpawn(ctx, reqBytes)
		if err != nil {
			return err
		}
		sessionID = id
		return nil
	})

	s.logSpawn(ctx, payload, sessionID, spawnedBy, callErr)
	if callErr != nil {
		return "", fmt.Errorf("registry: spawn call: %w", callErr)
	}
	return sessionID, nil
}

func (s *Spawner) doSpawn(ctx context.Context, reqBytes []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upstream runtime returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed spawnResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.sessionID() == "" {
		return "", fmt.Errorf("upstream runtime response missing session id")
	}
	return parsed.sessionID(), nil
}

func (s *Spawner) logSpawn(ctx context.Context, payload *SpawnPayload, sessionID, spawnedBy string, callErr error) {
	now := time.Now()
	entry := SpawnLogEntry{
		ID:        uuid.NewString(),
		AgentID:   payload.AgentID,
		Version:   payload.Version,
		Hash:      payload.Hash,
		SpawnedAt: now,
		Success:   callErr == nil,
	}
	if sessionID != "" {
		entry.SessionID = &sessionID
	}
	if spawnedBy != "" {
		entry.SpawnedBy = &spawnedBy
	}
	if callErr != nil {
		msg := callErr.Error()
		entry.Error = &msg
	}

	if err := s.Registry.store.InsertSpawnLog(ctx, entry); err != nil {
		slog.Error("registry: failed to write spawn log", "agentId", payload.AgentID, "err", err)
	}

	eventType := audit.EventSpawnSuccess
	var auditErr *string
	if callErr != nil {
		eventType = audit.EventSpawnFailure
		msg := callErr.Error()
		auditErr = &msg
	}
	if s.Chain != nil {
		if _, err := s.Chain.Append(ctx, audit.Draft{
			EventType:     eventType,
			CorrelationID: &payload.AgentID,
			Result:        map[string]any{"sessionId": sessionID},
			Error:         auditErr,
		}); err != nil {
			slog.Error("registry: failed to audit spawn event", "err", err)
		}
	}
}
