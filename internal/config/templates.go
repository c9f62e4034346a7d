package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		return nodeTemplate, nil
	case "policy":
		return policyTemplate, nil
	case "axioms":
		return axiomTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const nodeTemplate = `id = "node-1"
addr = ":7400"
data_dir = "./data/node-1"
cors_origins = ["http://localhost:3000"]
policy_file = "policy.toml"
axiom_file = "axioms.toml"

[tokens]
"dev-token" = "lab"

[cluster]
election_timeout_min_ms = 150
election_timeout_max_ms = 300
heartbeat_interval_ms = 50

[[cluster.peers]]
id = "node-2"
addr = "localhost:7401"

[[cluster.peers]]
id = "node-3"
addr = "localhost:7402"

[fusion]
divergence_threshold = 5.0

[belief]
collapse_threshold = 2.0
decay = 0.9
allow_retraction = false
retraction_delta = 0.0

[sandbox]
spawn_rate = 100.0
burst = 10

[sandbox.calibration]
thermal_offset = 0.0
latency_offset = 0.0
`

const policyTemplate = `[tenants.lab]
capabilities = ["sensor.read", "sensor.weigh"]

[tenants.guest]
capabilities = []
`

const axiomTemplate = `[[axioms]]
name = "temperature_range"
category = "temperature"
kind = "range"
min = -80.0
max = 120.0

[[axioms]]
name = "mass_increasing"
category = "mass_kg"
kind = "monotonic"
direction = "increasing"
`
