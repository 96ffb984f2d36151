package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/graklabs/grakgate/internal/ratelimit"
)

// PolicySet maps policy names to rate-limit configurations. The policy
// file is hot-reloaded so limits can change without a restart.
type PolicySet struct {
	// Default applies when no named policy matches.
	Default *ratelimit.Config `yaml:"default"`

	// Policies are named overrides, keyed by policy name.
	Policies map[string]*ratelimit.Config `yaml:"policies"`
}

// Lookup returns the named policy, or the default when absent.
func (p *PolicySet) Lookup(name string) *ratelimit.Config {
	if p == nil {
		return nil
	}
	if cfg, ok := p.Policies[name]; ok {
		return cfg
	}
	return p.Default
}

// LoadPolicySet reads and validates a policy file.
func LoadPolicySet(path string) (*PolicySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	set := &PolicySet{}
	if err := yaml.Unmarshal(raw, set); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	if err := validatePolicySet(set); err != nil {
		return nil, err
	}
	return set, nil
}

func validatePolicySet(set *PolicySet) error {
	if set.Default == nil {
		return fmt.Errorf("policy file: default policy is required")
	}
	if err := set.Default.Validate(); err != nil {
		return fmt.Errorf("policy file: default: %w", err)
	}
	for name, cfg := range set.Policies {
		if cfg == nil {
			return fmt.Errorf("policy file: policy %q is empty", name)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("policy file: policy %q: %w", name, err)
		}
	}
	return nil
}
