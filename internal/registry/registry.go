package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/agentgate/internal/audit"
)

// Registry is the Agent Registry (§4.6): CRUD over agent personas backed by
// Store, with every mutating operation also producing an audit entry.
type Registry struct {
	store Store
	chain *audit.Chain
}

// New wraps a Store and the audit chain that every mutation reports to.
func New(store Store, chain *audit.Chain) *Registry {
	return &Registry{store: store, chain: chain}
}

// Create registers a new agent at version 1 with the given persona.
func (r *Registry) Create(ctx context.Context, name, description string, persona []PersonaFile, allowedTools []string, maxConcurrentSessions int, createdBy, commitMessage string) (*Agent, error) {
	now := time.Now()
	hash := CanonicalHash(persona)
	agentID := uuid.NewString()

	agent := Agent{
		ID:                    agentID,
		Name:                  name,
		Description:           description,
		CurrentVersion:        1,
		CurrentHash:           hash,
		AllowedTools:          allowedTools,
		MaxConcurrentSessions: maxConcurrentSessions,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	version := AgentVersion{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Version:       1,
		Hash:          hash,
		Persona:       persona,
		SystemPrompt:  composeSystemPrompt(persona),
		CreatedAt:     now,
		CreatedBy:     createdBy,
		CommitMessage: commitMessage,
	}
	if err := r.store.CreateVersion(ctx, version); err != nil {
		return nil, err
	}

	r.audit(ctx, audit.EventAgentCreate, agentID, nil)
	return &agent, nil
}

// Get returns an agent's current head.
func (r *Registry) Get(ctx context.Context, agentID string) (*Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// List returns a page of agents.
func (r *Registry) List(ctx context.Context, limit, offset int) ([]Agent, error) {
	return r.store.ListAgents(ctx, limit, offset)
}

// Update replaces an agent's persona. A new version is created only if the
// canonical hash differs from the current head; an update with an
// unchanged persona is a no-op on currentVersion/currentHash (§8 "Agent
// version determinism").
func (r *Registry) Update(ctx context.Context, agentID string, persona []PersonaFile, createdBy, commitMessage string) (agent *Agent, versioned bool, err error) {
	current, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, false, err
	}

	hash := CanonicalHash(persona)
	if hash == current.CurrentHash {
		return current, false, nil
	}

	newVersion := current.CurrentVersion + 1
	now := time.Now()
	version := AgentVersion{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Version:       newVersion,
		Hash:          hash,
		Persona:       persona,
		SystemPrompt:  composeSystemPrompt(persona),
		CreatedAt:     now,
		CreatedBy:     createdBy,
		CommitMessage: commitMessage,
	}
	if err := r.store.CreateVersion(ctx, version); err != nil {
		return nil, false, err
	}
	if err := r.store.UpdateAgentHead(ctx, agentID, newVersion, hash); err != nil {
		return nil, false, err
	}

	r.audit(ctx, audit.EventAgentUpdate, agentID, nil)

	updated, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// Rollback creates a new version whose persona equals targetVersion's
// persona, and makes it the agent's head. It never rewrites history.
func (r *Registry) Rollback(ctx context.Context, agentID string, targetVersion int, createdBy string) (*Agent, error) {
	target, err := r.store.GetVersion(ctx, agentID, targetVersion)
	if err != nil {
		return nil, fmt.Errorf("registry: rollback: %w", err)
	}
	current, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	newVersion := current.CurrentVersion + 1
	now := time.Now()
	version := AgentVersion{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Version:       newVersion,
		Hash:          target.Hash,
		Persona:       target.Persona,
		SystemPrompt:  target.SystemPrompt,
		CreatedAt:     now,
		CreatedBy:     createdBy,
		CommitMessage: fmt.Sprintf("rollback to version %d", targetVersion),
	}
	if err := r.store.CreateVersion(ctx, version); err != nil {
		return nil, err
	}
	if err := r.store.UpdateAgentHead(ctx, agentID, newVersion, target.Hash); err != nil {
		return nil, err
	}

	r.audit(ctx, audit.EventAgentRollback, agentID, nil)
	return r.store.GetAgent(ctx, agentID)
}

// Delete removes an agent and its version history.
func (r *Registry) Delete(ctx context.Context, agentID string) error {
	if err := r.store.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	r.audit(ctx, audit.EventAgentDelete, agentID, nil)
	return nil
}

// GetSpawnPayload builds the payload for handing an agent off to the
// upstream runtime. version nil means the agent's current head.
func (r *Registry) GetSpawnPayload(ctx context.Context, agentID string, version *int) (*SpawnPayload, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	v := agent.CurrentVersion
	if version != nil {
		v = *version
	}
	av, err := r.store.GetVersion(ctx, agentID, v)
	if err != nil {
		return nil, err
	}

	return &SpawnPayload{
		AgentID:               agentID,
		Version:               av.Version,
		Hash:                  av.Hash,
		SystemPrompt:          av.SystemPrompt,
		Label:                 agent.Name,
		AllowedTools:          agent.AllowedTools,
		MaxConcurrentSessions: agent.MaxConcurrentSessions,
	}, nil
}

func (r *Registry) audit(ctx context.Context, eventType audit.EventType, agentID string, errMsg *string) {
	if r.chain == nil {
		return
	}
	if _, err := r.chain.Append(ctx, audit.Draft{
		EventType:     eventType,
		CorrelationID: &agentID,
		Error:         errMsg,
	}); err != nil {
		slog.Error("registry: failed to audit agent event", "event", eventType, "agentId", agentID, "err", err)
	}
}
