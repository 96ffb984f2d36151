// Package secrets resolves runtime secrets, the JWT signing key and the
// master API key, from the environment or from Vault. Secrets are read
// once at startup; rotation requires a restart.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/graklabs/grakgate/internal/observability"
)

// Well-known secret names.
const (
	NameJWTSecret = "jwt_secret"
	NameMasterKey = "master_key"
)

// ErrSecretNotFound indicates the provider has no value for the name.
var ErrSecretNotFound = errors.New("secret not found")

// Provider resolves named secrets.
type Provider interface {
	// GetSecret returns the secret value for the name.
	GetSecret(ctx context.Context, name string) (string, error)
}

// EnvProvider reads secrets from environment variables with a prefix,
// e.g. GRAKGATE_JWT_SECRET.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment provider. An empty prefix
// defaults to "GRAKGATE_".
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = "GRAKGATE_"
	}
	return &EnvProvider{prefix: prefix}
}

// GetSecret implements Provider.
func (p *EnvProvider) GetSecret(ctx context.Context, name string) (string, error) {
	key := p.prefix + envName(name)
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%w: env %s", ErrSecretNotFound, key)
	}
	return value, nil
}

func envName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// StaticProvider serves fixed values. Test use only.
type StaticProvider map[string]string

// GetSecret implements Provider.
func (p StaticProvider) GetSecret(ctx context.Context, name string) (string, error) {
	value, ok := p[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

// VaultConfig holds Vault provider configuration.
type VaultConfig struct {
	// Address is the Vault server address.
	Address string `yaml:"address" json:"address"`

	// Token authenticates the client.
	Token string `yaml:"token" json:"token"`

	// Mount is the KV v2 mount path.
	Mount string `yaml:"mount" json:"mount"`

	// Path is the secret path under the mount holding the named fields.
	Path string `yaml:"path" json:"path"`
}

// VaultProvider reads secrets from a Vault KV v2 store. All named
// secrets live as fields of a single secret path.
type VaultProvider struct {
	client *vaultapi.Client
	mount  string
	path   string
	logger observability.Logger
}

// NewVaultProvider creates a Vault-backed provider.
func NewVaultProvider(cfg *VaultConfig, logger observability.Logger) (*VaultProvider, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	path := cfg.Path
	if path == "" {
		path = "grakgate"
	}

	return &VaultProvider{
		client: client,
		mount:  mount,
		path:   path,
		logger: logger.With(observability.String("component", "secrets")),
	}, nil
}

// GetSecret implements Provider.
func (p *VaultProvider) GetSecret(ctx context.Context, name string) (string, error) {
	secret, err := p.client.KVv2(p.mount).Get(ctx, p.path)
	if err != nil {
		return "", fmt.Errorf("read vault secret %s/%s: %w", p.mount, p.path, err)
	}

	value, ok := secret.Data[name].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: vault field %s", ErrSecretNotFound, name)
	}
	return value, nil
}

// Chain tries providers in order, returning the first hit. Lets a
// deployment prefer Vault and fall back to the environment.
type Chain []Provider

// GetSecret implements Provider.
func (c Chain) GetSecret(ctx context.Context, name string) (string, error) {
	for _, provider := range c {
		value, err := provider.GetSecret(ctx, name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

var (
	_ Provider = (*EnvProvider)(nil)
	_ Provider = (StaticProvider)(nil)
	_ Provider = (*VaultProvider)(nil)
	_ Provider = (Chain)(nil)
)
