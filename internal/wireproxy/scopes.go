package wireproxy

import "github.com/bdobrica/agentgate/internal/cc"

// methodScopes is the static table mapping gated methods to the scope
// required to call them (§4.5 "Method gating"). Methods absent from this
// table are forwarded without a scope check.
var methodScopes = map[string]string{
	"sessions.spawn":    "operator.write",
	"sessions.kill":     "operator.write",
	"config.apply":      "operator.admin",
	"config.rollback":   "operator.admin",
	"agents.delete":     "operator.admin",
	"secrets.rotate":    "operator.admin",
}

// RequiredScope returns the scope a method requires and whether the method
// is gated at all.
func RequiredScope(method string) (string, bool) {
	scope, ok := methodScopes[method]
	return scope, ok
}

// hasScope reports whether granted scopes satisfy required, reusing the
// capability-string matcher so a scope list can carry the same ":*" suffix
// wildcards a CC's capabilities do.
func hasScope(granted []string, required string) bool {
	return cc.Match(granted, required)
}
