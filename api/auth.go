package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/warp/credit-ledger/identity"
)

// TokenVerifier is implemented by *identity.Verifier.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (identity.Identity, error)
}

type identityKey struct{}

// WithIdentity attaches a verified caller to ctx.
func WithIdentity(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller attached by RequireAuth.
func IdentityFrom(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(identity.Identity)
	return id, ok
}

// RequireAuth verifies the bearer token and attaches the caller to the
// request context. Handlers read the principal from there and pass it
// explicitly to the services.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Authentication required", identity.ErrMissingToken)
				return
			}
			id, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin must run after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authentication required", identity.ErrMissingToken)
			return
		}
		if !id.IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin role required", errors.New("forbidden"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
