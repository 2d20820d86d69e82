package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	accountContextKey  contextKey = "farming-account"
	notifierContextKey contextKey = "farming-notifier"

	// NotifierTokenHeader carries the asset notifier's API token.
	NotifierTokenHeader = "X-Notifier-Token"
)

var (
	errMissingToken  = errors.New("missing bearer token")
	errMissingSub    = errors.New("token subject missing")
	errAudience      = errors.New("token audience mismatch")
	errNotifierToken = errors.New("invalid notifier token")
)

// AuthConfig configures the request authenticator.
type AuthConfig struct {
	JWTSecret      string
	Issuer         string
	Audience       []string
	NotifierTokens []string
	Leeway         time.Duration
}

// Authenticator verifies account bearer tokens and notifier API tokens.
type Authenticator struct {
	secret    []byte
	issuer    string
	audience  []string
	notifiers [][]byte
	leeway    time.Duration
	now       func() time.Time
}

func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" {
		return nil, errors.New("auth: jwt secret required")
	}
	a := &Authenticator{
		secret: []byte(secret),
		issuer: strings.TrimSpace(cfg.Issuer),
		leeway: cfg.Leeway,
		now:    time.Now,
	}
	for _, aud := range cfg.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			a.audience = append(a.audience, trimmed)
		}
	}
	for _, token := range cfg.NotifierTokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			a.notifiers = append(a.notifiers, []byte(trimmed))
		}
	}
	if len(a.notifiers) == 0 {
		return nil, errors.New("auth: at least one notifier token required")
	}
	return a, nil
}

// VerifyToken checks an HS256 token and returns its subject account.
func (a *Authenticator) VerifyToken(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(a.leeway))
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("token validation failed")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errMissingSub
	}
	if len(a.audience) > 0 && !audienceMatches(a.audience, claims.Audience) {
		return "", errAudience
	}
	return subject, nil
}

func audienceMatches(expected, actual []string) bool {
	for _, want := range expected {
		for _, got := range actual {
			if strings.EqualFold(want, got) {
				return true
			}
		}
	}
	return false
}

// IssueToken signs a token for account. farmctl and tests use it to mint
// credentials from a shared secret.
func IssueToken(secret, account, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   account,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RequireAccount rejects requests without a valid bearer token and stores
// the caller account in the request context.
func (a *Authenticator) RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		account, err := a.VerifyToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), accountContextKey, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireNotifier admits only the trusted asset notifier.
func (a *Authenticator) RequireNotifier(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(strings.TrimSpace(r.Header.Get(NotifierTokenHeader)))
		if len(presented) == 0 || !a.notifierAllowed(presented) {
			writeError(w, http.StatusUnauthorized, errNotifierToken.Error())
			return
		}
		ctx := context.WithValue(r.Context(), notifierContextKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) notifierAllowed(presented []byte) bool {
	allowed := false
	for _, token := range a.notifiers {
		if subtle.ConstantTimeCompare(presented, token) == 1 {
			allowed = true
		}
	}
	return allowed
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errMissingToken
	}
	return strings.TrimSpace(token), nil
}

// AccountFromContext returns the authenticated caller account.
func AccountFromContext(ctx context.Context) (string, bool) {
	account, ok := ctx.Value(accountContextKey).(string)
	return account, ok && account != ""
}

func isNotifier(ctx context.Context) bool {
	ok, _ := ctx.Value(notifierContextKey).(bool)
	return ok
}
