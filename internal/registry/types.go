package registry

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Store and Registry lookups that find nothing
// under the given id (§7 "Registry not found").
var ErrNotFound = errors.New("registry: not found")

// Agent is the mutable head of an agent's persona history: its current
// version and hash, plus the policy-relevant fields the broker and policy
// engine key off of.
type Agent struct {
	ID                    string
	Name                  string
	Description           string
	CurrentVersion        int
	CurrentHash           string
	AllowedTools          []string
	MaxConcurrentSessions int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AgentVersion is one immutable persona snapshot. Versions are never
// mutated or deleted; rollback creates a new version, it never rewrites
// an old one.
type AgentVersion struct {
	ID            string
	AgentID       string
	Version       int
	Hash          string
	Persona       []PersonaFile
	SystemPrompt  string
	CreatedAt     time.Time
	CreatedBy     string
	CommitMessage string
}

// SpawnPayload is what getSpawnPayload hands to the caller, and what Spawn
// combines with a task to send to the upstream agent runtime.
type SpawnPayload struct {
	AgentID               string
	Version               int
	Hash                  string
	SystemPrompt          string
	Label                 string
	AllowedTools          []string
	MaxConcurrentSessions int
}

// SpawnLogEntry records one attempt to hand an agent's spawn payload to the
// upstream runtime, successful or not.
type SpawnLogEntry struct {
	ID        string
	AgentID   string
	Version   int
	Hash      string
	SessionID *string
	SpawnedBy *string
	SpawnedAt time.Time
	Success   bool
	Error     *string
}
