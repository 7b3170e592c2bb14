package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AdminIdentity is the authenticated admin a request acts for.
type AdminIdentity struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// NamePtr returns the display name as stored on locks, or nil when unset.
func (a *AdminIdentity) NamePtr() *string {
	if a.Name == "" {
		return nil
	}
	name := a.Name
	return &name
}

// IdentityService issues and verifies admin bearer tokens. Credential
// checks happen upstream; this service only trusts what it signed.
type IdentityService struct {
	jwtSecret string
	jwtExpiry time.Duration
}

func NewIdentityService(jwtSecret string, jwtExpiry time.Duration) *IdentityService {
	return &IdentityService{
		jwtSecret: jwtSecret,
		jwtExpiry: jwtExpiry,
	}
}

func (s *IdentityService) IssueToken(email, name string) (string, time.Time, error) {
	if email == "" {
		return "", time.Time{}, errors.New("email is required")
	}
	expiresAt := time.Now().Add(s.jwtExpiry)
	claims := jwt.MapClaims{
		"sub": email,
		"jti": uuid.New().String(),
		"exp": expiresAt.Unix(),
		"iat": time.Now().Unix(),
	}
	if name != "" {
		claims["name"] = name
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *IdentityService) VerifyToken(tokenString string) (*AdminIdentity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, ErrInvalidToken
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	// Extract admin email
	email, ok := claims["sub"].(string)
	if !ok || email == "" {
		return nil, ErrInvalidToken
	}

	name, _ := claims["name"].(string)

	return &AdminIdentity{
		Email: email,
		Name:  name,
	}, nil
}
