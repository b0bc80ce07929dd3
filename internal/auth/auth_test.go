package auth_test

import (
	"errors"
	"testing"
	"time"

	"gateline/internal/auth"
	"gateline/internal/domain"
	"gateline/internal/repo"
)

func TestTokenRoundTrip(t *testing.T) {
	secret, prefix, err := auth.MintSecret("agk")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(secret) != 48 {
		t.Fatalf("expected 48 hex chars, got %d", len(secret))
	}
	if prefix != "agk_"+secret[:8] {
		t.Fatalf("unexpected prefix %q", prefix)
	}
	token := auth.FormatToken("agk", "key-1", secret)
	keyID, parsed, err := auth.ParseToken("agk", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if keyID != "key-1" || parsed != secret {
		t.Fatalf("round trip mismatch: %s %s", keyID, parsed)
	}
}

func TestParseTokenRejections(t *testing.T) {
	for _, bad := range []string{
		"",
		"agk_only-two",
		"wrongtag_key_secret",
		"agk__secret",
		"agk_key_",
	} {
		if _, _, err := auth.ParseToken("agk", bad); !errors.Is(err, auth.ErrUnauthorized) {
			t.Fatalf("token %q: expected unauthorized, got %v", bad, err)
		}
	}
	// secrets containing the separator still parse; only the first two splits matter
	keyID, secret, err := auth.ParseToken("agk", "agk_key_se_cret")
	if err != nil || keyID != "key" || secret != "se_cret" {
		t.Fatalf("underscore secret: %s %s %v", keyID, secret, err)
	}
}

func TestResolveAgent(t *testing.T) {
	secret, _, err := auth.MintSecret("agk")
	if err != nil {
		t.Fatal(err)
	}
	key := domain.AgentKey{ID: "key-1", ProjectID: "proj-1", SecretHash: repo.HashSecret(secret)}

	agent, err := auth.ResolveAgent(key, secret)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if agent.KeyID != "key-1" || agent.ProjectID != "proj-1" {
		t.Fatalf("unexpected agent %+v", agent)
	}

	if _, err := auth.ResolveAgent(key, "wrong-secret"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for wrong secret, got %v", err)
	}

	revokedAt := "2024-01-01T00:00:00Z"
	key.RevokedAt = &revokedAt
	if _, err := auth.ResolveAgent(key, secret); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for revoked key, got %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	token, err := auth.SignSession("s3cret", "user-1", "user@example.com", auth.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	h, err := auth.VerifySession(token, "s3cret")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if h.ID != "user-1" || h.Email != "user@example.com" || !h.Admin() {
		t.Fatalf("unexpected human %+v", h)
	}

	if _, err := auth.VerifySession(token, "other-secret"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for wrong signing secret, got %v", err)
	}

	expired, err := auth.SignSession("s3cret", "user-1", "", auth.RoleMember, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := auth.VerifySession(expired, "s3cret"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for expired session, got %v", err)
	}
}

func TestSessionRoleDefaultsToMember(t *testing.T) {
	token, err := auth.SignSession("s3cret", "user-1", "", "superuser", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	h, err := auth.VerifySession(token, "s3cret")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if h.Role != auth.RoleMember {
		t.Fatalf("unknown roles must collapse to member, got %s", h.Role)
	}
}

func TestScope(t *testing.T) {
	admin := auth.Scope(auth.Human{ID: "root", Role: auth.RoleAdmin})
	if !admin.All {
		t.Fatalf("admin scope should see everything")
	}
	member := auth.Scope(auth.Human{ID: "u1", Role: auth.RoleMember})
	if member.All || member.OwnerUserID != "u1" {
		t.Fatalf("member scope mismatch: %+v", member)
	}
	agent := auth.Scope(auth.Agent{KeyID: "k1", ProjectID: "p1"})
	if agent.All || agent.ProjectID != "p1" {
		t.Fatalf("agent scope mismatch: %+v", agent)
	}
}

func TestCanAccessProject(t *testing.T) {
	project := domain.Project{ID: "p1", OwnerUserID: "u1"}
	cases := []struct {
		name string
		p    auth.Principal
		want bool
	}{
		{"owner", auth.Human{ID: "u1", Role: auth.RoleMember}, true},
		{"stranger", auth.Human{ID: "u2", Role: auth.RoleMember}, false},
		{"admin", auth.Human{ID: "u2", Role: auth.RoleAdmin}, true},
		{"project agent", auth.Agent{KeyID: "k1", ProjectID: "p1"}, true},
		{"foreign agent", auth.Agent{KeyID: "k2", ProjectID: "p2"}, false},
	}
	for _, tc := range cases {
		if got := auth.CanAccessProject(tc.p, project); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRequireHuman(t *testing.T) {
	if _, err := auth.RequireHuman(auth.Agent{KeyID: "k1", ProjectID: "p1"}, "item.review"); err == nil {
		t.Fatalf("expected forbidden for agent")
	}
	h, err := auth.RequireHuman(auth.Human{ID: "u1"}, "item.review")
	if err != nil || h.ID != "u1" {
		t.Fatalf("expected human passthrough: %v", err)
	}
}
