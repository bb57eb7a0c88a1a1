package resolver

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ontoserve/authcore/internal"
	"github.com/ontoserve/authcore/internal/session"
	"github.com/ontoserve/authcore/internal/user"
	"github.com/ontoserve/authcore/pkg/logger"
)

// Request parameter names carrying credentials.
const (
	ParamSSOToken     = "ssoToken"
	ParamUserName     = "userName"
	ParamEmail        = "email"
	ParamPassword     = "password"
	ParamServiceToken = "serviceToken"
)

// DelegatedToken is an authorization token issued elsewhere that names the
// author it was issued for.
type DelegatedToken struct {
	AuthorID uuid.UUID
}

// UserStore is the slice of the credential store the resolver needs.
type UserStore interface {
	Get(id uuid.UUID) (*user.User, bool)
	Find(candidates ...string) (*user.User, bool)
	GetByServiceToken(candidate string) (*user.User, bool)
	RecordAuthFailure(id uuid.UUID)
	RecordAuthSuccess(id uuid.UUID)
}

// Resolver turns a request's credential bundle into a single resolved
// identity. It holds no per-request state.
type Resolver struct {
	store              UserStore
	codec              *session.Codec
	allowAnonymousRead bool
	logger             *slog.Logger
}

func New(store UserStore, codec *session.Codec, allowAnonymousRead bool, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:              store,
		codec:              codec,
		allowAnonymousRead: allowAnonymousRead,
		logger:             logger,
	}
}

// Resolve inspects the credentials in a fixed precedence: session token,
// username/email plus password, service token, delegated token, anonymous
// fallback. Every failure is a security error with a message that does not
// reveal which check failed.
func (r *Resolver) Resolve(params map[string][]string, cookie func(string) (string, bool), delegated *DelegatedToken) (*user.User, error) {
	var resolved *user.User

	if token, ok := r.sessionToken(params, cookie); ok {
		u, err := r.resolveSessionToken(token)
		if err != nil {
			return nil, err
		}
		resolved = u
	}

	if resolved == nil && (hasParam(params, ParamUserName) || hasParam(params, ParamEmail)) {
		u, err := r.resolvePassword(params)
		if err != nil {
			return nil, err
		}
		resolved = u
	}

	if resolved == nil && hasParam(params, ParamServiceToken) {
		u, ok := r.store.GetByServiceToken(firstParam(params, ParamServiceToken))
		if !ok {
			return nil, internal.ErrInvalidCredentials
		}
		resolved = u
	}

	if delegated != nil {
		if resolved != nil {
			if resolved.ID != delegated.AuthorID {
				r.logger.Warn("resolved identity does not match delegated token author",
					"resolved_id", resolved.ID, "author_id", delegated.AuthorID)
				return nil, internal.ErrMisalignedToken
			}
		} else {
			u, ok := r.store.Get(delegated.AuthorID)
			if !ok || !u.Enabled {
				return nil, internal.ErrInvalidCredentials
			}
			resolved = u
		}
	}

	if resolved == nil {
		if r.allowAnonymousRead {
			r.logger.Debug("resolving anonymous read-only identity")
			return user.NewAnonymous(), nil
		}
		return nil, internal.ErrNoCredentials
	}
	return resolved, nil
}

// ResolveContext resolves the credentials and returns a derived context
// carrying the resolved user id and a logger scoped to it, for downstream
// authorization checks.
func (r *Resolver) ResolveContext(ctx context.Context, params map[string][]string, cookie func(string) (string, bool), delegated *DelegatedToken) (context.Context, *user.User, error) {
	u, err := r.Resolve(params, cookie, delegated)
	if err != nil {
		return ctx, nil, err
	}
	ctx = internal.ContextWithUserID(ctx, u.ID)
	ctx = logger.With(ctx, "user_id", u.ID)
	return ctx, u, nil
}

func (r *Resolver) sessionToken(params map[string][]string, cookie func(string) (string, bool)) (string, bool) {
	if cookie != nil {
		if v, ok := cookie(session.CookieName); ok && v != "" {
			return v, true
		}
	}
	if hasParam(params, ParamSSOToken) {
		return firstParam(params, ParamSSOToken), true
	}
	return "", false
}

func (r *Resolver) resolveSessionToken(token string) (*user.User, error) {
	id, epoch, err := r.codec.Parse(token)
	if err != nil {
		return nil, internal.ErrInvalidCredentials
	}
	u, ok := r.store.Get(id)
	if !ok {
		r.logger.Error("valid session token but no user", "user_id", id)
		return nil, internal.ErrInvalidCredentials
	}
	if !u.Enabled {
		return nil, internal.ErrInvalidCredentials
	}
	if epoch != u.SessionEpoch {
		// the user logged out after this token was issued
		return nil, internal.ErrSessionTokenStale
	}
	return u, nil
}

func (r *Resolver) resolvePassword(params map[string][]string) (*user.User, error) {
	if !hasParam(params, ParamPassword) {
		return nil, internal.ErrPasswordRequired
	}

	u, ok := r.store.Find(firstParam(params, ParamUserName), firstParam(params, ParamEmail))
	if !ok {
		return nil, internal.ErrInvalidCredentials
	}

	switch u.CheckPassword(firstParam(params, ParamPassword)) {
	case user.PasswordMatch:
		r.store.RecordAuthSuccess(u.ID)
		return u, nil
	case user.PasswordDisabled:
		return nil, internal.ErrInvalidCredentials
	default:
		r.store.RecordAuthFailure(u.ID)
		return nil, internal.ErrInvalidCredentials
	}
}

func hasParam(params map[string][]string, key string) bool {
	values, ok := params[key]
	return ok && len(values) > 0
}

func firstParam(params map[string][]string, key string) string {
	if values, ok := params[key]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}
