package policy_test

import (
	"strings"
	"testing"

	"github.com/bdobrica/agentgate/internal/policy"
)

func TestLoader_Apply_RejectsBadMode(t *testing.T) {
	l := policy.NewLoader()
	err := l.Apply([]byte(`
upstream: issues
mode: not-a-mode
`))
	if err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestLoader_Apply_RejectsMissingApprovers(t *testing.T) {
	l := policy.NewLoader()
	err := l.Apply([]byte(`
upstream: issues
mode: allowlist
tools:
  create_issue:
    allowed: true
    category: write
    requiresApproval: true
    personas: ["*"]
    roles: ["*"]
`))
	if err == nil || !strings.Contains(err.Error(), "approvers") {
		t.Fatalf("expected approver validation error, got %v", err)
	}
}

func TestLoader_Apply_BadHotReloadKeepsOldPolicy(t *testing.T) {
	l := policy.NewLoader()
	good := []byte(`
upstream: issues
mode: blocklist
`)
	if err := l.Apply(good); err != nil {
		t.Fatalf("apply good: %v", err)
	}
	hashBefore := l.Hash()

	bad := []byte(`upstream: issues
mode: garbage
`)
	if err := l.Apply(bad); err == nil {
		t.Fatal("expected bad document to be rejected")
	}
	if l.Hash() != hashBefore {
		t.Fatal("expected hot reload failure to leave the live policy untouched")
	}
}

func TestLoader_Apply_ValidDocument(t *testing.T) {
	l := policy.NewLoader()
	err := l.Apply([]byte(`
upstream: issues
mode: allowlist
defaultAllowed: false
categoryDefaults:
  writeRequiresApproval: true
tools:
  list_issues:
    allowed: true
    category: read
    personas: ["*"]
    roles: ["*"]
`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if l.Policy() == nil {
		t.Fatal("expected policy to be set")
	}
	if l.Hash() == "" {
		t.Error("expected non-empty hash")
	}
}
