// Package auth resolves request credentials into principals and decides what
// a principal may see or mutate. The gate is a pure function of (principal,
// resource owner, operation): no storage access, so it can run inside list
// queries as a predicate and in unit tests without a live request.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"gateline/internal/domain"
	"gateline/internal/repo"
)

// Human roles carried in the session token.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// ErrUnauthorized is the single failure class for every credential problem:
// malformed token, unknown key, revoked key, hash mismatch, bad signature.
// Collapsing them keeps the response from leaking which check failed.
var ErrUnauthorized = errors.New("unauthorized")

// ForbiddenError indicates an authenticated principal lacking rights for an
// operation on a resource it can see.
type ForbiddenError struct {
	Operation string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("operation %s not permitted for this principal", e.Operation)
}

// Principal is the authenticated identity behind a request: a human session
// or a project-scoped agent key. The two variants are the only
// implementations.
type Principal interface {
	Actor() domain.Actor
}

type Human struct {
	ID    string
	Email string
	Role  string
}

func (h Human) Actor() domain.Actor { return domain.UserActor(h.ID) }
func (h Human) Admin() bool         { return h.Role == RoleAdmin }

type Agent struct {
	KeyID     string
	ProjectID string
}

func (a Agent) Actor() domain.Actor { return domain.AgentActor(a.KeyID) }

// Scope returns the row-level visibility predicate for list queries. It is
// applied inside the SQL, never as a post-filter, so scoped-out rows cannot
// leak through counts or ordering.
func Scope(p Principal) repo.Visibility {
	switch p := p.(type) {
	case Human:
		if p.Admin() {
			return repo.Visibility{All: true}
		}
		return repo.Visibility{OwnerUserID: p.ID}
	case Agent:
		return repo.Visibility{ProjectID: p.ProjectID}
	}
	return repo.Visibility{}
}

// CanAccessProject reports read visibility. An out-of-scope resource reads as
// absent, so callers translate false to not-found rather than forbidden.
func CanAccessProject(p Principal, project domain.Project) bool {
	switch p := p.(type) {
	case Human:
		return p.Admin() || project.OwnerUserID == p.ID
	case Agent:
		return p.ProjectID == project.ID
	}
	return false
}

// RequireHuman gates operations reserved for human principals: item
// creation/deletion, review decisions, reopening terminal items, and the
// agent-key lifecycle.
func RequireHuman(p Principal, op string) (Human, error) {
	h, ok := p.(Human)
	if !ok {
		return Human{}, ForbiddenError{Operation: op}
	}
	return h, nil
}

// --- agent tokens ---

const secretBytes = 24

// MintSecret generates the secret half of an agent token and its public
// prefix used for identification in listings and audit trails.
func MintSecret(tag string) (secret, prefix string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	secret = hex.EncodeToString(buf)
	prefix = tag + "_" + secret[:8]
	return secret, prefix, nil
}

// FormatToken assembles the wire form <tag>_<keyId>_<secret>.
func FormatToken(tag, keyID, secret string) string {
	return tag + "_" + keyID + "_" + secret
}

// ParseToken splits a wire token. Key ids are UUIDs and secrets are hex, so
// underscore is unambiguous as a separator.
func ParseToken(tag, token string) (keyID, secret string, err error) {
	parts := strings.SplitN(strings.TrimSpace(token), "_", 3)
	if len(parts) != 3 || parts[0] != tag || parts[1] == "" || parts[2] == "" {
		return "", "", ErrUnauthorized
	}
	return parts[1], parts[2], nil
}

// VerifySecret compares a presented secret against the stored hash in
// constant time.
func VerifySecret(secret, storedHash string) bool {
	presented := repo.HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}

// ResolveAgent checks a credential row against a presented secret. Revoked
// keys fail immediately; there is no grace window.
func ResolveAgent(key domain.AgentKey, secret string) (Agent, error) {
	if key.Revoked() {
		return Agent{}, ErrUnauthorized
	}
	if !VerifySecret(secret, key.SecretHash) {
		return Agent{}, ErrUnauthorized
	}
	return Agent{KeyID: key.ID, ProjectID: key.ProjectID}, nil
}
