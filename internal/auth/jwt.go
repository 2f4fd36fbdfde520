package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/devicekey/server/internal/model"
)

// Token types carried in the "type" claim
const (
	TokenTypeAccess       = "access"
	TokenTypeRegistration = "registration"
)

// Claims represents the JWT claims of both token kinds.
// DeviceID and SessionID are only set on access tokens.
type Claims struct {
	Type      string     `json:"type"`
	DeviceID  *uuid.UUID `json:"deviceId,omitempty"`
	SessionID *uuid.UUID `json:"sessionId,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// TokenIssuer signs and verifies HS256 access and registration tokens
type TokenIssuer struct {
	secret          []byte
	accessTTL       time.Duration
	registrationTTL time.Duration
	nowFn           func() time.Time
}

// NewTokenIssuer creates a new token issuer
func NewTokenIssuer(secret string, accessTTL, registrationTTL time.Duration, nowFn func() time.Time) *TokenIssuer {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &TokenIssuer{
		secret:          []byte(secret),
		accessTTL:       accessTTL,
		registrationTTL: registrationTTL,
		nowFn:           nowFn,
	}
}

// SignAccessToken creates an access token bound to a device session
func (s *TokenIssuer) SignAccessToken(userID, deviceID, sessionID uuid.UUID) (string, time.Time, error) {
	now := s.nowFn()
	exp := now.Add(s.accessTTL)
	claims := &Claims{
		Type:      TokenTypeAccess,
		DeviceID:  &deviceID,
		SessionID: &sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := s.sign(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, exp, nil
}

// SignRegistrationToken creates a token that only permits device registration
func (s *TokenIssuer) SignRegistrationToken(userID uuid.UUID) (string, error) {
	now := s.nowFn()
	claims := &Claims{
		Type: TokenTypeRegistration,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.registrationTTL)),
		},
	}
	token, err := s.sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign registration token: %w", err)
	}
	return token, nil
}

func (s *TokenIssuer) sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses a token and checks its signature, expiry and shape.
// Every failure is model.ErrInvalidToken.
func (s *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.nowFn),
	)
	if err != nil {
		return nil, model.Errorf(model.KindInvalidToken, "invalid or expired token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, model.Errorf(model.KindInvalidToken, "invalid token")
	}
	if _, err := claims.UserID(); err != nil {
		return nil, model.Errorf(model.KindInvalidToken, "invalid token subject")
	}

	switch claims.Type {
	case TokenTypeRegistration:
	case TokenTypeAccess:
		if claims.DeviceID == nil || claims.SessionID == nil {
			return nil, model.Errorf(model.KindInvalidToken, "access token missing session claims")
		}
	default:
		return nil, model.Errorf(model.KindInvalidToken, "unknown token type")
	}
	return claims, nil
}
