package userstore

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// seedUser is the on-disk shape of a bootstrap user. Either a cleartext
// password (hashed at load) or a precomputed bcrypt hash must be set.
type seedUser struct {
	ID           string   `yaml:"id"`
	Username     string   `yaml:"username"`
	Email        string   `yaml:"email"`
	Password     string   `yaml:"password"`
	PasswordHash string   `yaml:"passwordHash"`
	Roles        []string `yaml:"roles"`
	Permissions  []string `yaml:"permissions"`
	TenantID     string   `yaml:"tenantId"`
	WorkspaceID  string   `yaml:"workspaceId"`
	Inactive     bool     `yaml:"inactive"`
}

type seedFile struct {
	Users []seedUser `yaml:"users"`
}

// LoadFile builds a memory store from a YAML seed file.
func LoadFile(path string) (*MemoryStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}

	store := NewMemoryStore()
	for _, su := range seed.Users {
		user, err := su.toUser()
		if err != nil {
			return nil, fmt.Errorf("users file: user %q: %w", su.Username, err)
		}
		if err := store.Add(user); err != nil {
			return nil, fmt.Errorf("users file: user %q: %w", su.Username, err)
		}
	}
	return store, nil
}

func (su *seedUser) toUser() (*User, error) {
	if su.Username == "" {
		return nil, errors.New("username is required")
	}

	hash := su.PasswordHash
	if hash == "" {
		if su.Password == "" {
			return nil, errors.New("password or passwordHash is required")
		}
		var err error
		hash, err = HashPassword(su.Password)
		if err != nil {
			return nil, err
		}
	}

	id := su.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &User{
		ID:           id,
		Username:     su.Username,
		Email:        su.Email,
		PasswordHash: hash,
		Roles:        su.Roles,
		Permissions:  su.Permissions,
		TenantID:     su.TenantID,
		WorkspaceID:  su.WorkspaceID,
		IsActive:     !su.Inactive,
		CreatedAt:    time.Now().UTC(),
	}, nil
}
