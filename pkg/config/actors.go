package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Noetic-Labs/meridian/core/pkg/identity"
)

// actorsFile is the YAML shape of the actor directory.
type actorsFile struct {
	Actors []actorEntry `yaml:"actors"`
}

type actorEntry struct {
	ActorID      string   `yaml:"actor_id"`
	TenantID     string   `yaml:"tenant_id,omitempty"`
	TrustScore   float64  `yaml:"trust_score"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// LoadActors reads an actor directory from YAML. Submissions resolve their
// authorization attributes here instead of trusting the request body.
func LoadActors(path string) ([]identity.Attributes, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled path
	if err != nil {
		return nil, fmt.Errorf("load actors file: %w", err)
	}

	var file actorsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse actors file %q: %w", path, err)
	}

	actors := make([]identity.Attributes, 0, len(file.Actors))
	for i, e := range file.Actors {
		if e.ActorID == "" {
			return nil, fmt.Errorf("actors file %q: entry %d has no actor_id", path, i)
		}
		if e.TrustScore < 0 || e.TrustScore > 1 {
			return nil, fmt.Errorf("actors file %q: actor %q trust score %v out of [0,1]", path, e.ActorID, e.TrustScore)
		}
		actors = append(actors, identity.Attributes{
			ActorID:      e.ActorID,
			TenantID:     e.TenantID,
			TrustScore:   e.TrustScore,
			Capabilities: e.Capabilities,
		})
	}
	return actors, nil
}
