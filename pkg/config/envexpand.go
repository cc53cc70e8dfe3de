package config

import "os"

// ExpandEnv expands ${VAR} and $VAR references in data using the process
// environment. Used when building child-process environments for the
// executor and container lifecycle, so operators can template secrets
// (API keys, registry tokens) into otherwise-static configuration.
//
// Missing variables expand to the empty string; validation is expected to
// catch fields that end up empty when they are required.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
