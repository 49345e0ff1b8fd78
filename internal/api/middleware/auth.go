package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/healthbridge/apptflow/internal/domain/appointment"
)

// Claims is the access token issued by the identity service.
type Claims struct {
	UserID string           `json:"user_id"`
	Role   appointment.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenAuth verifies HS256 access tokens.
type TokenAuth struct {
	secret []byte
	issuer string
}

// NewTokenAuth creates a verifier for tokens signed with secret. An empty
// issuer skips the issuer check.
func NewTokenAuth(secret, issuer string) *TokenAuth {
	return &TokenAuth{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for actor. Used by the operator CLI and tests; the
// identity service issues production tokens.
func (a *TokenAuth) Issue(actor appointment.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: actor.ID,
		Role:   actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns the actor it names.
func (a *TokenAuth) Verify(token string) (appointment.Actor, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return appointment.Actor{}, fmt.Errorf("parse token: %w", err)
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return appointment.Actor{}, errors.New("token has no user id")
	}
	if _, err := uuid.Parse(id); err != nil {
		return appointment.Actor{}, fmt.Errorf("token user id %q is not a uuid", id)
	}
	if !claims.Role.Valid() {
		return appointment.Actor{}, fmt.Errorf("token has unknown role %q", claims.Role)
	}
	return appointment.Actor{ID: id, Role: claims.Role}, nil
}

// Authenticate requires a valid bearer token and stores the actor in the
// request context. When allowQuery is set the token may also arrive as the
// access_token query parameter, for browser websocket clients.
func (a *TokenAuth) Authenticate(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearer(r.Header.Get("Authorization"))
			if token == "" && allowQuery {
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			actor, err := a.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor appointment.Actor) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// ActorFrom returns the authenticated actor.
func ActorFrom(ctx context.Context) (appointment.Actor, bool) {
	actor, ok := ctx.Value(ActorKey).(appointment.Actor)
	return actor, ok
}

// RequestActor is ActorFrom for an *http.Request.
func RequestActor(r *http.Request) (appointment.Actor, bool) {
	return ActorFrom(r.Context())
}
