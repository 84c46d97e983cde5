package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures bearer token verification. Tokens are HMAC signed and
// carry the caller's account address as their subject.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   []string
	Leeway     time.Duration
}

// Principal is the authenticated caller.
type Principal struct {
	Address common.Address
	Token   *jwt.RegisteredClaims
}

type principalKey struct{}

// PrincipalFromContext returns the caller attached by the authenticator.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator validates bearer tokens.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator constructs an authenticator. The secret is mandatory.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if len(secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cfg: cfg, secret: secret, logger: logger}, nil
}

// Middleware rejects requests without a valid bearer token and attaches the
// principal to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Unauthenticated", "missing bearer token")
			return
		}
		principal, err := a.authenticate(tokenString)
		if err != nil {
			a.logger.Warn("token validation failed", slog.String("reason", err.Error()))
			writeError(w, http.StatusUnauthorized, "Unauthenticated", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(tokenString string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, err
	}
	if !token.Valid {
		return Principal{}, errors.New("token invalid")
	}
	if err := validateAudience(claims, a.cfg.Audience); err != nil {
		return Principal{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if !common.IsHexAddress(subject) {
		return Principal{}, fmt.Errorf("subject %q is not an account address", subject)
	}
	return Principal{Address: common.HexToAddress(subject), Token: claims}, nil
}

func validateAudience(claims *jwt.RegisteredClaims, accepted []string) error {
	if len(accepted) == 0 {
		return nil
	}
	for _, aud := range claims.Audience {
		for _, want := range accepted {
			if aud == want {
				return nil
			}
		}
	}
	return errors.New("audience mismatch")
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// TokenRequest describes a token to mint.
type TokenRequest struct {
	Secret   string
	Issuer   string
	Audience []string
	Subject  common.Address
	TTL      time.Duration
	Now      time.Time
}

// MintToken signs an HS256 token for the subject account.
func MintToken(req TokenRequest) (string, error) {
	secret := strings.TrimSpace(req.Secret)
	if secret == "" {
		return "", errors.New("auth secret not configured")
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.RegisteredClaims{
		Issuer:    req.Issuer,
		Subject:   req.Subject.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if len(req.Audience) > 0 {
		claims.Audience = jwt.ClaimStrings(req.Audience)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
