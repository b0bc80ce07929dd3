package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"gateline/internal/auth"
	"gateline/internal/repo"
)

type AuthConfig struct {
	JWTSecret        string
	AgentKeyTag      string
	TokenTTL         time.Duration
	LastUsedDebounce time.Duration
	Logger           *log.Logger
}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c AuthConfig) tag() string {
	if c.AgentKeyTag != "" {
		return c.AgentKeyTag
	}
	return "agk"
}

func (c AuthConfig) debounce() time.Duration {
	if c.LastUsedDebounce > 0 {
		return c.LastUsedDebounce
	}
	return 5 * time.Minute
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok {
		return p, nil
	}
	return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// authenticateAgent resolves an X-Agent-Key header value: parse, lookup by
// key id, revocation check, constant-time hash compare. Every failure mode
// collapses to auth.ErrUnauthorized.
func authenticateAgent(ctx context.Context, r repo.Repo, cfg AuthConfig, token string) (auth.Agent, error) {
	keyID, secret, err := auth.ParseToken(cfg.tag(), token)
	if err != nil {
		return auth.Agent{}, auth.ErrUnauthorized
	}
	key, err := r.GetAgentKey(ctx, keyID)
	if err != nil {
		return auth.Agent{}, auth.ErrUnauthorized
	}
	agent, err := auth.ResolveAgent(key, secret)
	if err != nil {
		return auth.Agent{}, auth.ErrUnauthorized
	}
	// best-effort last-seen refresh, debounced to bound write amplification
	// from high-frequency pollers; a failure here never fails the request
	now := time.Now().UTC()
	cutoff := now.Add(-cfg.debounce()).Format(time.RFC3339)
	if err := r.TouchAgentKey(ctx, key.ID, now.Format(time.RFC3339), cutoff); err != nil {
		cfg.logger().Printf("agent key last_used refresh failed (key_id=%s): %v", key.ID, err)
	}
	return agent, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			agentKey := strings.TrimSpace(req.Header.Get("X-Agent-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
					return
				}
				human, err := auth.VerifySession(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), human)))
				return
			}

			if agentKey != "" {
				agent, err := authenticateAgent(req.Context(), r, cfg, agentKey)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), agent)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
