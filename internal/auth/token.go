// Package auth resolves a request's bearer token to a user identity.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"tandem/api/internal/apperr"
)

// Identity is the stable user id and profile a token carries.
type Identity struct {
	UserID string
	Name   string
}

type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 token, used for development and tests.
func IssueToken(secret []byte, id Identity, ttl time.Duration, now time.Time) (string, error) {
	if id.UserID == "" {
		return "", apperr.InvalidArgument("USER_REQUIRED", "user id is required")
	}
	claims := Claims{
		Name: id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier accepts HS256 tokens signed with the shared secret and, when a
// JWKS is configured, RS256 tokens from the identity provider.
type Verifier struct {
	secret []byte
	jwks   *keyfunc.JWKS
	parser *jwt.Parser
}

func NewVerifier(secret []byte, jwks *keyfunc.JWKS) *Verifier {
	methods := []string{}
	if len(secret) > 0 {
		methods = append(methods, "HS256")
	}
	if jwks != nil {
		methods = append(methods, "RS256")
	}
	return &Verifier{secret: secret, jwks: jwks, parser: jwt.NewParser(jwt.WithValidMethods(methods))}
}

// LoadJWKS fetches the key set at url and refreshes it hourly.
func LoadJWKS(url string) (*keyfunc.JWKS, error) {
	jwks, err := keyfunc.Get(url, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).WithField("url", url).Warn("auth.jwks_refresh_failed")
		},
	})
	if err != nil {
		return nil, apperr.Unavailable("identity provider keys unavailable", err)
	}
	return jwks, nil
}

func (v *Verifier) Verify(token string) (Identity, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, v.keyFor)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, apperr.Unauthenticated("token expired")
		}
		return Identity{}, apperr.Unauthenticated("invalid token")
	}
	if claims.Subject == "" {
		return Identity{}, apperr.Unauthenticated("token has no subject")
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Identity{UserID: claims.Subject, Name: name}, nil
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.secret) == 0 {
			return nil, errors.New("shared secret not configured")
		}
		return v.secret, nil
	default:
		if v.jwks == nil {
			return nil, errors.New("jwks not configured")
		}
		return v.jwks.Keyfunc(t)
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", apperr.Unauthenticated("missing bearer token")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", apperr.Unauthenticated("malformed authorization header")
	}
	return strings.TrimSpace(token), nil
}
