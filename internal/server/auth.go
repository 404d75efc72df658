package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bakeoff/internal/domain"
	"bakeoff/internal/engine"
	"bakeoff/internal/engine/auth"
	"bakeoff/internal/metrics"
	"bakeoff/internal/ratelimit"
)

const (
	sessionCookie     = "bakeoff_session"
	codeWrongCredType = "wrong_credential_type"
	codeRateLimited   = "rate_limited"
)

// Principal is the authenticated caller of a partitioned route.
type Principal struct {
	Kind  domain.CreatorKind
	Agent domain.Agent
	User  domain.User
}

func (p Principal) Actor() engine.Actor {
	if p.Kind == domain.CreatorAgent {
		return engine.AgentActor(p.Agent.ID)
	}
	return engine.UserActor(p.User.ID)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func agentFromContext(ctx context.Context) (domain.Agent, error) {
	if p, ok := principalFromContext(ctx); ok && p.Kind == domain.CreatorAgent {
		return p.Agent, nil
	}
	return domain.Agent{}, newAPIError(http.StatusUnauthorized, engine.CodeMissingCredential, "agent api key required", nil)
}

func userFromContext(ctx context.Context) (domain.User, error) {
	if p, ok := principalFromContext(ctx); ok && p.Kind == domain.CreatorUser {
		return p.User, nil
	}
	return domain.User{}, newAPIError(http.StatusUnauthorized, engine.CodeMissingCredential, "session required", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func credentialError(err error) *apiError {
	if errors.Is(err, auth.ErrMissingCredential) {
		return newAPIError(http.StatusUnauthorized, engine.CodeMissingCredential, "credential required", nil)
	}
	return newAPIError(http.StatusUnauthorized, engine.CodeInvalidCredential, "invalid credential", nil)
}

// identify enforces the route partition. Agent routes take bearer keys
// only, web routes take the session cookie only, and everything else is
// anonymous. Registration is admitted per client address.
func (s *server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		switch {
		case p == agentPrefix || strings.HasPrefix(p, agentPrefix+"/"):
			s.identifyAgent(next, w, r)
		case p == webPrefix || strings.HasPrefix(p, webPrefix+"/"):
			s.identifyUser(next, w, r)
		case p == basePath+"/agents/register" && r.Method == http.MethodPost:
			if !s.admit(w, r, s.Limits.Registration, "registration", clientIP(r, s.TrustProxy)) {
				return
			}
			next.ServeHTTP(w, r)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (s *server) identifyAgent(next http.Handler, w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie(sessionCookie); err == nil {
		respondError(w, newAPIError(http.StatusUnauthorized, codeWrongCredType, "agent routes take an api key, not a session", nil))
		return
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := bearerToken(authz)
	if !ok {
		respondError(w, credentialError(auth.ErrMissingCredential))
		return
	}
	agent, err := s.e.AuthenticateAgent(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrMissingCredential) || errors.Is(err, auth.ErrInvalidCredential) {
			respondError(w, credentialError(err))
			return
		}
		respondError(w, s.toAPIError(err))
		return
	}
	if !s.admit(w, r, s.Limits.AgentAPI, "agent_api", agent.ID) {
		return
	}
	ctx := withPrincipal(r.Context(), Principal{Kind: domain.CreatorAgent, Agent: agent})
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (s *server) identifyUser(next http.Handler, w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		respondError(w, newAPIError(http.StatusUnauthorized, codeWrongCredType, "web routes take a session, not an api key", nil))
		return
	}
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		respondError(w, credentialError(auth.ErrMissingCredential))
		return
	}
	userID, err := s.Sessions.Verify(c.Value)
	if err != nil {
		respondError(w, credentialError(auth.ErrInvalidCredential))
		return
	}
	user, err := s.e.GetUser(r.Context(), userID)
	if err != nil {
		if engine.IsCode(err, engine.CodeNotFound) {
			respondError(w, credentialError(auth.ErrInvalidCredential))
			return
		}
		respondError(w, s.toAPIError(err))
		return
	}
	ctx := withPrincipal(r.Context(), Principal{Kind: domain.CreatorUser, User: user})
	next.ServeHTTP(w, r.WithContext(ctx))
}

// admit consults limiter for key and writes the quota headers. A limiter
// failure admits the request.
func (s *server) admit(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, name, key string) bool {
	if limiter == nil {
		return true
	}
	d, err := limiter.Check(r.Context(), key)
	if err != nil {
		s.log.Warn("rate limiter unavailable", "limiter", name, "err", err)
		return true
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(s.now().Add(d.ResetIn).Unix(), 10))
	if d.Allowed {
		return true
	}
	metrics.RateLimited.WithLabelValues(name).Inc()
	retry := d.RetryAfterSeconds()
	h.Set("Retry-After", strconv.Itoa(retry))
	respondError(w, newAPIError(http.StatusTooManyRequests, codeRateLimited, "too many requests", map[string]any{
		"limit":               d.Limit,
		"retry_after_seconds": retry,
	}))
	return false
}

// clientIP returns the caller address. Forwarded headers count only behind
// a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *server) newSessionCookie(token string, expires time.Time) http.Cookie {
	return http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *server) clearedCookie() http.Cookie {
	return http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   s.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}
