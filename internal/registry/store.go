package registry

import "context"

// Store is the registry's persistence boundary: agent heads, their
// version history, and the spawn log (§6 "Persisted layouts").
type Store interface {
	CreateAgent(ctx context.Context, a Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, limit, offset int) ([]Agent, error)
	UpdateAgentHead(ctx context.Context, id string, version int, hash string) error
	UpdateAgentFields(ctx context.Context, id, name, description string, allowedTools []string, maxConcurrentSessions int) error
	DeleteAgent(ctx context.Context, id string) error

	CreateVersion(ctx context.Context, v AgentVersion) error
	GetVersion(ctx context.Context, agentID string, version int) (*AgentVersion, error)
	ListVersions(ctx context.Context, agentID string) ([]AgentVersion, error)

	InsertSpawnLog(ctx context.Context, e SpawnLogEntry) error
}
