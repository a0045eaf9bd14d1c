package bootstrap

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"bastion/session"
)

// dummyHash is compared when the username is unknown so lookups take the
// same time either way.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// FileVerifier authenticates against a YAML map of username to bcrypt hash.
// Intended for small standalone deployments; embedding applications supply
// their own PasswordVerifier.
type FileVerifier struct {
	users map[string]string
}

var _ session.PasswordVerifier = (*FileVerifier)(nil)

// LoadFileVerifier reads the users file. Each value must be a bcrypt hash.
func LoadFileVerifier(path string) (*FileVerifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	users := make(map[string]string)
	if err := yaml.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to parse users file %s: %w", path, err)
	}
	for username, hash := range users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("users file entry %q is not a bcrypt hash: %w", username, err)
		}
	}
	return &FileVerifier{users: users}, nil
}

// Verify checks the password against the stored hash.
func (v *FileVerifier) Verify(_ context.Context, identifier, password string) (bool, error) {
	hash, ok := v.users[identifier]
	if !ok {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// denyAllVerifier rejects every credential. Used when no users file is
// configured and no external verifier has been supplied.
type denyAllVerifier struct {
	logger *zap.SugaredLogger
}

func (v denyAllVerifier) Verify(_ context.Context, identifier, _ string) (bool, error) {
	v.logger.Debugw("No verifier configured, rejecting login", "identifier", identifier)
	return false, nil
}
