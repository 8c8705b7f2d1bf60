package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
)

// APIKeyHeader carries operator API keys.
const APIKeyHeader = "api_key"

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
)

// HashAPIKey returns the hex HMAC-SHA256 of key under pepper, the form in
// which keys are stored.
func HashAPIKey(pepper []byte, key string) string {
	return hex.EncodeToString(hashKey(pepper, key))
}

func hashKey(pepper []byte, key string) []byte {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return mac.Sum(nil)
}

// SecurityHandler authenticates operator requests via HMAC-SHA256 hashed API
// keys.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurityHandler creates a SecurityHandler with the given API key
// repository and HMAC pepper.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte) *SecurityHandler {
	return &SecurityHandler{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// Authenticate computes the HMAC-SHA256 of the provided key, looks it up in
// the repository and compares the stored hash in constant time.
func (s *SecurityHandler) Authenticate(ctx context.Context, key string) (*auth.APIKey, error) {
	if key == "" {
		return nil, errUnauthorized
	}
	hash := hashKey(s.pepper, key)

	info, err := s.apikeys.FindByHash(ctx, hex.EncodeToString(hash))
	if err != nil {
		if !errors.Is(err, auth.ErrKeyNotFound) {
			zctx.From(ctx).Error("API key lookup failed", zap.Error(err))
		}
		return nil, errUnauthorized
	}

	storedBytes, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return nil, errUnauthorized
	}
	if subtle.ConstantTimeCompare(hash, storedBytes) != 1 {
		return nil, errUnauthorized
	}
	return info, nil
}

// RequireScope returns a middleware admitting requests whose API key grants
// scope.
func (s *SecurityHandler) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := s.Authenticate(r.Context(), r.Header.Get(APIKeyHeader))
			if err != nil {
				writeError(w, r, err)
				return
			}
			if !key.HasScope(scope) {
				writeError(w, r, errForbidden)
				return
			}
			ctx := zctx.With(r.Context(), zap.String("api_key", key.Name))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	Secret []byte
	// Issuer is checked when set.
	Issuer string
	Leeway time.Duration
}

// Claims are the token claims the storefront issues.
type Claims struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 tokens and attaches the user to the
// request context.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator creates a JWTAuthenticator.
func NewJWTAuthenticator(cfg JWTConfig) *JWTAuthenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &JWTAuthenticator{
		secret: cfg.Secret,
		parser: jwt.NewParser(opts...),
	}
}

// Authenticate parses an Authorization header value of the form
// "JWT <token>" or "Bearer <token>".
func (a *JWTAuthenticator) Authenticate(header string) (auth.User, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || (!strings.EqualFold(scheme, "JWT") && !strings.EqualFold(scheme, "Bearer")) {
		return auth.User{}, errUnauthorized
	}

	var claims Claims
	parsed, err := a.parser.ParseWithClaims(strings.TrimSpace(token), &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return auth.User{}, errors.Wrap(errUnauthorized, err.Error())
	}
	if !parsed.Valid || claims.Username == "" {
		return auth.User{}, errUnauthorized
	}
	return auth.User{Username: claims.Username, Email: claims.Email}, nil
}

// Middleware rejects requests without a valid token.
func (a *JWTAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := a.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			zctx.From(r.Context()).Debug("Rejected token", zap.Error(err))
			writeError(w, r, errUnauthorized)
			return
		}
		ctx := auth.WithUser(r.Context(), u)
		ctx = zctx.With(ctx, zap.String("user", u.Username))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
