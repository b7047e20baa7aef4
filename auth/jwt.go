// Package auth verifies the signed, time-bounded tokens clients present when
// opening a chat connection.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"roomchat-server/domain"
)

// ErrInvalidCredential is the only error Verify returns, whatever the cause.
var ErrInvalidCredential = errors.New("invalid credential")

type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

type claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// JWTVerifier accepts HS256 tokens carrying user_id (or sub) and username
// claims. exp is mandatory.
type JWTVerifier struct {
	cfg    Config
	parser *jwt.Parser
}

func NewJWTVerifier(cfg Config) (*JWTVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTVerifier{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Identity{}, ErrInvalidCredential
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, ErrInvalidCredential
	}

	var parsed claims
	_, err := v.parser.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	})
	if err != nil {
		slog.Debug("token rejected", "error", err)
		return domain.Identity{}, ErrInvalidCredential
	}

	userID := strings.TrimSpace(parsed.UserID)
	if userID == "" {
		userID = strings.TrimSpace(parsed.Subject)
	}
	if userID == "" {
		slog.Debug("token rejected", "error", "missing user id")
		return domain.Identity{}, ErrInvalidCredential
	}
	username := strings.TrimSpace(parsed.Username)
	if username == "" {
		username = userID
	}
	return domain.Identity{ID: domain.UserID(userID), Username: username}, nil
}

// Issuer mints tokens the verifier accepts. The production issuer lives in
// the account service; this one serves tests and local tooling.
type Issuer struct {
	cfg Config
}

func NewIssuer(cfg Config) *Issuer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{cfg: cfg}
}

func (i *Issuer) Issue(id domain.Identity, ttl time.Duration) (string, error) {
	now := i.cfg.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    i.cfg.Issuer,
		},
		UserID:   string(id.ID),
		Username: id.Username,
	}
	if i.cfg.Audience != "" {
		c.Audience = jwt.ClaimStrings{i.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.cfg.Secret)
}
