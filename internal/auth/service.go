package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"OpenGRC-Risk/pkg/logger"
)

// Service authenticates API callers.
type Service struct {
	mode  Mode
	keys  []hashedKey
	audit *slog.Logger
}

type hashedKey struct {
	digest  [sha256.Size]byte
	subject Subject
}

// NewService validates cfg. Secrets are kept only as SHA-256 digests.
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	switch mode {
	case "", ModeDisabled:
		return &Service{mode: ModeDisabled, audit: logger.Audit()}, nil
	case ModeAPIKey:
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	if len(cfg.Keys) == 0 {
		return nil, errors.New("api_key mode requires at least one key")
	}
	s := &Service{mode: ModeAPIKey, audit: logger.Audit()}
	names := make(map[string]struct{}, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if strings.TrimSpace(k.Name) == "" {
			return nil, errors.New("api key name is required")
		}
		if _, dup := names[k.Name]; dup {
			return nil, fmt.Errorf("duplicate api key name %s", k.Name)
		}
		names[k.Name] = struct{}{}
		if len(k.Secret) < 16 {
			return nil, fmt.Errorf("api key %s: secret must be at least 16 characters", k.Name)
		}
		s.keys = append(s.keys, hashedKey{
			digest: sha256.Sum256([]byte(k.Secret)),
			subject: Subject{
				Name:        k.Name,
				Permissions: append([]string(nil), k.Permissions...),
				Disabled:    k.Disabled,
			},
		})
	}
	return s, nil
}

// Mode reports the configured mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest resolves the Authorization header to a subject.
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return &Subject{Name: "anonymous", Permissions: []string{PermissionAdmin}}, nil
	}
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *hashedKey
	for i := range s.keys {
		// Compare against every key so timing does not reveal the position.
		if subtle.ConstantTimeCompare(digest[:], s.keys[i].digest[:]) == 1 {
			match = &s.keys[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject := match.subject
	subject.Permissions = append([]string(nil), subject.Permissions...)
	subject.permissionsSet = nil
	return &subject, nil
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
