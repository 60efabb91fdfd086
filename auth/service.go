// Package auth turns bearer tokens issued by the identity service into the
// actor context the workflow engine authorizes against.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/splits-network/splits-sub027/assignment"
)

var (
	// ErrInvalidToken signals a token that failed parsing, signature or expiry checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingSecret signals an unusable signing secret.
	ErrMissingSecret = errors.New("auth: signing secret is required")
)

// Service verifies and issues HS256 actor tokens.
type Service struct {
	jwtSecret []byte
	now       func() time.Time
}

func NewService(jwtSecret string) (*Service, error) {
	if jwtSecret == "" {
		return nil, ErrMissingSecret
	}
	return &Service{jwtSecret: []byte(jwtSecret), now: time.Now}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// VerifyToken validates a token and returns the actor it names. Unknown
// roles are rejected rather than dropped.
func (s *Service) VerifyToken(tokenString string) (assignment.ActorContext, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return assignment.ActorContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return assignment.ActorContext{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return assignment.ActorContext{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	rawRoles, ok := claims["roles"].([]interface{})
	if !ok {
		return assignment.ActorContext{}, fmt.Errorf("%w: roles claim must be a list", ErrInvalidToken)
	}

	actor := assignment.ActorContext{ID: sub, Roles: make([]assignment.Role, 0, len(rawRoles))}
	for _, raw := range rawRoles {
		str, ok := raw.(string)
		role := assignment.Role(str)
		if !ok || !role.Valid() {
			return assignment.ActorContext{}, fmt.Errorf("%w: unknown role %v", ErrInvalidToken, raw)
		}
		if !actor.HasRole(role) {
			actor.Roles = append(actor.Roles, role)
		}
	}
	return actor, nil
}

// IssueToken signs a token for actorID with roles, valid for ttl. Used by
// tooling and tests; production tokens come from the identity service.
func (s *Service) IssueToken(actorID string, roles []assignment.Role, ttl time.Duration) (string, error) {
	now := s.now()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	claims := jwt.MapClaims{
		"sub":   actorID,
		"roles": names,
		"exp":   now.Add(ttl).Unix(),
		"iat":   now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
