package gate

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type policyFile struct {
	Tenants map[string]struct {
		Capabilities []string `toml:"capabilities"`
	} `toml:"tenants"`
}

// LoadPolicy reads a TOML policy file:
//
//	[tenants.risk_auditor]
//	capabilities = ["regulatory_check", "latency_audit"]
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gate: policy load failed (%s): %w", path, err)
	}
	var file policyFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("gate: policy parse failed (%s): %w", path, err)
	}
	policy := make(Policy, len(file.Tenants))
	for tenant, entry := range file.Tenants {
		policy[tenant] = entry.Capabilities
	}
	return policy, nil
}
