package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
)

// Service holds the bearer token issued by the identity provider. It
// implements transport.TokenSource.
type Service struct {
	logger *events.Logger

	mu        sync.Mutex
	token     *models.TokenInfo
	tokenFile string
}

// NewService creates an auth service persisting to tokenFile. An empty
// path keeps the token in memory only.
func NewService(tokenFile string, logger *events.Logger) *Service {
	return &Service{
		tokenFile: tokenFile,
		logger:    logger.WithField("service", "auth"),
	}
}

// SetToken installs a new bearer token and persists it.
func (s *Service) SetToken(raw string) (*models.TokenInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty token")
	}

	info := ParseToken(raw)
	if info.IsExpired() {
		return nil, fmt.Errorf("token expired at %s", info.ExpiresAt.Format("2006-01-02 15:04:05"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = info
	if err := s.saveToken(); err != nil {
		s.logger.WithError(err).Warn("Failed to save token")
	}

	s.logger.WithFields(map[string]interface{}{
		"subject":    info.Subject,
		"has_expiry": !info.ExpiresAt.IsZero(),
	}).Info("Token installed")

	copy := *info
	return &copy, nil
}

// Token returns the current bearer token or models.ErrAuthenticationRequired.
func (s *Service) Token(ctx context.Context) (string, error) {
	info, err := s.GetToken()
	if err != nil {
		return "", err
	}
	return info.Token, nil
}

// GetToken returns current token if valid.
func (s *Service) GetToken() (*models.TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		if err := s.loadToken(); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).Debug("No usable token file")
		}
	}

	if s.token == nil || s.token.IsExpired() {
		return nil, models.ErrAuthenticationRequired
	}

	copy := *s.token
	return &copy, nil
}

// IsAuthenticated reports whether a valid token is available.
func (s *Service) IsAuthenticated() bool {
	_, err := s.GetToken()
	return err == nil
}

// Logout clears the token from memory and disk.
func (s *Service) Logout(ctx context.Context) error {
	s.logger.Info("Logging out")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
	if s.tokenFile != "" {
		if err := os.Remove(s.tokenFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove token file: %w", err)
		}
	}
	return nil
}

// ParseToken reads expiry and subject from a JWT without verifying it;
// the server verifies. Opaque tokens yield a TokenInfo without expiry.
func ParseToken(raw string) *models.TokenInfo {
	info := &models.TokenInfo{Token: raw}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return info
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	return info
}

// Token persistence

func (s *Service) saveToken() error {
	if s.tokenFile == "" || s.token == nil {
		return nil
	}

	data, err := json.Marshal(s.token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.tokenFile), 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	return os.WriteFile(s.tokenFile, data, 0600)
}

func (s *Service) loadToken() error {
	if s.tokenFile == "" {
		return os.ErrNotExist
	}

	data, err := os.ReadFile(s.tokenFile)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}

	var token models.TokenInfo
	if err := json.Unmarshal(data, &token); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if token.Token == "" {
		return fmt.Errorf("parse token: empty token")
	}

	s.token = &token
	return nil
}
