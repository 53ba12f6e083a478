/*
Package identity verifies bearer tokens issued by the identity provider.

PURPOSE:
  The ledger trusts exactly one thing about a caller: the principal id in
  a verified token. Tokens are HS256 JWTs whose subject is the principal
  id. The email claim is optional and only used to match legacy payments.

CLAIMS:
  sub    principal id (required)
  email  principal email
  role   "admin" grants the audit endpoint
  exp    expiry (required)
*/
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/credit-ledger/ledger"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingToken = errors.New("authentication required")
)

const RoleAdmin = "admin"

// Claims is the token payload.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is a verified caller.
type Identity struct {
	Principal ledger.Principal
	Role      string
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Verifier checks HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

type Option func(*Verifier)

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.issuer = issuer }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(secret []byte, opts ...Option) *Verifier {
	v := &Verifier{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyToken validates the signature and expiry and returns the caller.
func (v *Verifier) VerifyToken(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		Principal: ledger.Principal{
			ID:    ledger.PrincipalID(claims.Subject),
			Email: ledger.NormalizeEmail(claims.Email),
		},
		Role: claims.Role,
	}, nil
}

// IssueToken signs a token for principal. Used by ledgerctl and tests;
// production tokens come from the identity provider.
func (v *Verifier) IssueToken(principal ledger.Principal, role string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := &Claims{
		Email: principal.Email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(principal.ID),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
