package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptySubject = errors.New("empty subject")
)

type ctxKey int

const userKey ctxKey = 1

// WithUser adds a user ID to the context
func WithUser(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, userKey, uid)
}

// UserID extracts the user ID from the context; ok is false when none was set.
func UserID(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(userKey).(string)
	return uid, ok && uid != ""
}

// JWT signs and verifies HS256 tokens whose subject is the user ID.
type JWT struct {
	secret []byte
	now    func() time.Time
}

// New creates a new JWT signer/verifier.
func New(secret string) *JWT {
	return &JWT{secret: []byte(secret), now: time.Now}
}

// Verify checks a token and returns the sub (user ID) claim
func (j *JWT) Verify(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, ErrEmptySubject)
	}
	return claims.Subject, nil
}

// Sign creates a token for uid with the given TTL
func (j *JWT) Sign(uid string, ttl time.Duration) (string, error) {
	if uid == "" {
		return "", ErrEmptySubject
	}
	now := j.now()
	claims := jwt.RegisteredClaims{
		Subject:   uid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// BearerToken returns the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// Middleware rejects requests without a valid bearer token and stores the
// verified user ID in the request context. onError writes the rejection.
func (j *JWT) Middleware(onError func(http.ResponseWriter, error), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r)
		if err != nil {
			onError(w, err)
			return
		}
		uid, err := j.Verify(token)
		if err != nil {
			onError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), uid)))
	})
}
