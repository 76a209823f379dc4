package config

import _ "embed"

//go:embed example.yaml
var exampleYAML []byte

// Example returns a commented example configuration in YAML.
func Example() []byte {
	out := make([]byte, len(exampleYAML))
	copy(out, exampleYAML)
	return out
}
