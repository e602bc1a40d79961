package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPasswordRequired   = errors.New("password is required")
	ErrNotConfigured      = errors.New("password not configured")
)

// Secret is a configured password, either plaintext or a bcrypt hash. A hash wins when
// both are set.
type Secret struct {
	Plain string
	Hash  string
}

func (s Secret) configured() bool {
	return s.Plain != "" || s.Hash != ""
}

func (s Secret) matches(candidate string) bool {
	if s.Hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.Hash), []byte(candidate)) == nil
	}
	return constantTimeCompare([]byte(s.Plain), []byte(candidate))
}

// AdminService verifies admin credentials and the destructive-operation password
type AdminService struct {
	jwtService     *JWTService
	username       string
	password       Secret
	deletePassword Secret
}

// NewAdminService creates a new admin auth service
func NewAdminService(jwtService *JWTService, username string, password, deletePassword Secret) *AdminService {
	return &AdminService{
		jwtService:     jwtService,
		username:       username,
		password:       password,
		deletePassword: deletePassword,
	}
}

// Login checks username and password and returns a fresh admin token.
func (s *AdminService) Login(username, password string) (string, error) {
	if s.username == "" || !s.password.configured() {
		return "", ErrNotConfigured
	}
	userOK := constantTimeCompare([]byte(s.username), []byte(strings.TrimSpace(username)))
	passOK := s.password.matches(password)
	if !userOK || !passOK {
		return "", ErrInvalidCredentials
	}
	token, err := s.jwtService.SignAdminToken(s.username)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return token, nil
}

// Refresh issues a new token for an already authenticated admin.
func (s *AdminService) Refresh(claims *AdminClaims) (string, error) {
	if claims == nil || claims.Username == "" {
		return "", ErrInvalidCredentials
	}
	return s.jwtService.SignAdminToken(claims.Username)
}

// VerifyDeletePassword checks the password guarding destructive operations.
func (s *AdminService) VerifyDeletePassword(password string) error {
	if password == "" {
		return ErrPasswordRequired
	}
	if !s.deletePassword.configured() {
		return ErrNotConfigured
	}
	if !s.deletePassword.matches(password) {
		return ErrInvalidCredentials
	}
	return nil
}

// constantTimeCompare compares two byte slices in constant time
func constantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var result int
	for i := 0; i < len(a); i++ {
		result |= int(a[i]) ^ int(b[i])
	}
	return result == 0
}
