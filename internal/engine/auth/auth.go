package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix marks Bakeoff agent API keys.
const KeyPrefix = "bk_"

const keyBytes = 32

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
)

// GenerateAPIKey returns a new plaintext key and its stored hash. The
// plaintext must be shown to the caller once and then discarded.
func GenerateAPIKey() (plaintext, hash string, err error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	plaintext = KeyPrefix + hex.EncodeToString(b)
	return plaintext, HashAPIKey(plaintext), nil
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// WellFormedAPIKey checks the shape of a presented key before any lookup.
func WellFormedAPIKey(key string) bool {
	if !strings.HasPrefix(key, KeyPrefix) {
		return false
	}
	body := strings.TrimPrefix(key, KeyPrefix)
	if len(body) != keyBytes*2 {
		return false
	}
	_, err := hex.DecodeString(body)
	return err == nil
}

// HashPassword hashes a human password with bcrypt.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Sessions issues and verifies human session tokens.
type Sessions struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

func (s Sessions) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Issue signs a session token for the user.
func (s Sessions) Issue(userID, email string) (string, time.Time, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", time.Time{}, errors.New("session secret not configured")
	}
	now := s.now()
	exp := now.Add(s.TTL)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "bakeoff",
		},
		Email: email,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Verify returns the user id carried by a valid token.
func (s Sessions) Verify(token string) (string, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", errors.New("session secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("bakeoff"),
		jwt.WithTimeFunc(s.now),
	)
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	})
	if err != nil {
		return "", ErrInvalidCredential
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidCredential
	}
	return claims.Subject, nil
}
