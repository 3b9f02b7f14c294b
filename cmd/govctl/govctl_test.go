package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"policygov/internal/auth"
	"policygov/internal/rbac"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTiers_DefaultYAML(t *testing.T) {
	out, err := run(t, "tiers")
	if err != nil {
		t.Fatalf("tiers: %v", err)
	}
	if !strings.Contains(out, "max_daily_spend_cap: \"50.00\"") {
		t.Fatalf("expected free daily cap in output:\n%s", out)
	}
}

func TestTiers_SingleTier(t *testing.T) {
	out, err := run(t, "tiers", "--tier", "pro")
	if err != nil {
		t.Fatalf("tiers: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if got["tier_name"] != "pro" || got["max_daily_spend_cap"] != "2000.00" {
		t.Fatalf("unexpected boundaries: %v", got)
	}
}

func TestTiers_UnknownOutput(t *testing.T) {
	if _, err := run(t, "tiers", "-o", "xml"); err == nil {
		t.Fatalf("expected error for unknown output")
	}
}

func TestMigrate_ListDoesNotConnect(t *testing.T) {
	out, err := run(t, "migrate", "--list")
	if err != nil {
		t.Fatalf("migrate --list: %v", err)
	}
	if !strings.Contains(out, "0001_governance") {
		t.Fatalf("expected embedded migrations, got:\n%s", out)
	}
}

func TestTokenOptions_Identity(t *testing.T) {
	id, err := tokenOptions{userID: "agent_1", workspaceID: "ws_1", agent: true}.identity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if id.ActorType != auth.ActorAgent || id.Role != rbac.RoleAgent {
		t.Fatalf("unexpected identity: %+v", id)
	}

	id, err = tokenOptions{userID: "owner_1", workspaceID: "ws_1"}.identity()
	if err != nil || id.Role != rbac.RoleOwner || id.IsAgent() {
		t.Fatalf("unexpected owner identity: %+v %v", id, err)
	}

	if _, err := (tokenOptions{userID: "a", workspaceID: "ws_1", role: rbac.RoleOwner, agent: true}).identity(); err == nil {
		t.Fatalf("agent with owner role must be rejected")
	}
	if _, err := (tokenOptions{workspaceID: "ws_1"}).identity(); err == nil {
		t.Fatalf("missing user must be rejected")
	}
}
