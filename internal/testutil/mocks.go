package testutil

import (
	"context"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/TheMichaelB/chatvault/internal/models"
)

// MockAuthenticator mocks a passkey authenticator.
type MockAuthenticator struct {
	mock.Mock
}

// Register records the call and returns the configured credential.
func (m *MockAuthenticator) Register(ctx context.Context, salt []byte) (string, []byte, error) {
	args := m.Called(ctx, salt)
	var prf []byte
	if v := args.Get(1); v != nil {
		prf = v.([]byte)
	}
	return args.String(0), prf, args.Error(2)
}

// Authenticate records the call and returns the configured assertion.
func (m *MockAuthenticator) Authenticate(ctx context.Context, allowed []string, salt []byte) (string, []byte, error) {
	args := m.Called(ctx, allowed, salt)
	var prf []byte
	if v := args.Get(1); v != nil {
		prf = v.([]byte)
	}
	return args.String(0), prf, args.Error(2)
}

// SwitchToken is a token source that can be signed out.
type SwitchToken struct {
	token atomic.Value
}

// NewSwitchToken creates a source holding token.
func NewSwitchToken(token string) *SwitchToken {
	s := &SwitchToken{}
	s.Set(token)
	return s
}

// Set replaces the token. An empty token signs out.
func (s *SwitchToken) Set(token string) {
	s.token.Store(token)
}

// Token implements transport.TokenSource.
func (s *SwitchToken) Token(context.Context) (string, error) {
	if t, _ := s.token.Load().(string); t != "" {
		return t, nil
	}
	return "", models.ErrAuthenticationRequired
}
