package axiom

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type axiomFile struct {
	Axioms []Axiom `toml:"axioms"`
}

// Load reads axiom definitions from a TOML file:
//
//	[[axioms]]
//	name = "temperature_range"
//	category = "temperature"
//	kind = "range"
//	min = -273.15
//	max = 100.0
func Load(path string) ([]Axiom, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("axiom: load failed (%s): %w", path, err)
	}
	var file axiomFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("axiom: parse failed (%s): %w", path, err)
	}
	for _, a := range file.Axioms {
		if err := a.validate(); err != nil {
			return nil, err
		}
	}
	return file.Axioms, nil
}
