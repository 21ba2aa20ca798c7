package config

import (
	_ "embed"
)

//go:embed templates/default_profiles.yaml
var defaultProfiles []byte

// DefaultProfiles returns the profiles document written to a new configuration root.
func DefaultProfiles() []byte {
	return append([]byte(nil), defaultProfiles...)
}
