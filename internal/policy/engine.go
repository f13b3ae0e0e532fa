package policy

// Decide evaluates the §4.2 decision function for one (tool, persona, role)
// triple against this Policy.
func (p *Policy) Decide(tool, persona, role string) Decision {
	tp, ok := p.Tools[tool]
	if !ok {
		if p.Mode == ModeAllowlist && !p.DefaultAllowed {
			return Decision{Kind: Deny, Reason: "not in allowlist"}
		}
		// mode == blocklist, or allowlist with defaultAllowed: unknown tools pass through.
		return Decision{Kind: Allow}
	}

	if !tp.Allowed {
		return Decision{Kind: Deny, Reason: "blocked"}
	}
	if !matchesAny(tp.Personas, persona) {
		return Decision{Kind: Deny, Reason: "persona"}
	}
	if !matchesAny(tp.Roles, role) {
		return Decision{Kind: Deny, Reason: "role"}
	}

	if tp.RequiresApproval || p.categoryRequiresApproval(tp.Category) {
		return Decision{Kind: NeedsApproval, Approvers: tp.Approvers}
	}
	return Decision{Kind: Allow}
}

// FilteredCatalog returns the subset of tools that decide(tool, "*", "*")
// does not deny -- the "virtual catalog" exposed upstream-to-agent.
func (p *Policy) FilteredCatalog(tools []string) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		if d := p.Decide(t, "*", "*"); !d.IsDeny() {
			out = append(out, t)
		}
	}
	return out
}

func (p *Policy) categoryRequiresApproval(category Category) bool {
	switch category {
	case CategoryWrite:
		return p.CategoryDefaults.WriteRequiresApproval
	case CategoryDelete:
		return p.CategoryDefaults.DeleteRequiresApproval
	case CategoryAdmin:
		return p.CategoryDefaults.AdminRequiresApproval
	default:
		return false
	}
}

// matchesAny reports whether v is in list, or list grants a wildcard match
// via a literal "*" entry.
func matchesAny(list []string, v string) bool {
	for _, s := range list {
		if s == "*" || s == v {
			return true
		}
	}
	return false
}

// Provider is satisfied by anything that can hand back the currently active
// Policy, typically a Loader performing hot-reload.
type Provider interface {
	Policy() *Policy
}

// Engine evaluates decisions against whatever Policy its Provider currently
// holds, so a hot-reloaded Loader is picked up on the next call without the
// caller needing to re-wire anything.
type Engine struct {
	provider Provider
}

// NewEngine returns an Engine backed by provider.
func NewEngine(provider Provider) *Engine {
	return &Engine{provider: provider}
}

// Decide evaluates the current policy. With no policy loaded, it denies
// everything rather than defaulting open.
func (e *Engine) Decide(tool, persona, role string) Decision {
	p := e.provider.Policy()
	if p == nil {
		return Decision{Kind: Deny, Reason: "no policy loaded"}
	}
	return p.Decide(tool, persona, role)
}

// FilteredCatalog delegates to the current policy's FilteredCatalog.
func (e *Engine) FilteredCatalog(tools []string) []string {
	p := e.provider.Policy()
	if p == nil {
		return nil
	}
	return p.FilteredCatalog(tools)
}
