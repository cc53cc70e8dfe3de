package masking

import (
	"strings"
)

// secretEnvSuffixes mark environment variable names whose values must never
// appear in a log artifact.
var secretEnvSuffixes = []string{
	"_TOKEN", "_SECRET", "_PASSWORD", "_API_KEY", "_ACCESS_KEY", "_PRIVATE_KEY",
}

// minSecretLength guards against masking trivial values ("1", "on") that
// would shred unrelated log text.
const minSecretLength = 6

// EnvSecretMasker masks the literal values of secret-looking environment
// variables wherever they appear in the data. Regex patterns catch
// credentials by shape; this masker catches them by value, which also
// covers secrets with no recognizable structure.
type EnvSecretMasker struct {
	secrets []string
}

// NewEnvSecretMasker snapshots the secret values from the given environment
// in "KEY=VALUE" form (os.Environ shape). The snapshot is taken once at
// construction so masking never races concurrent env mutation.
func NewEnvSecretMasker(environ []string) *EnvSecretMasker {
	m := &EnvSecretMasker{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || len(value) < minSecretLength {
			continue
		}
		upper := strings.ToUpper(key)
		for _, suffix := range secretEnvSuffixes {
			if strings.HasSuffix(upper, suffix) || upper == strings.TrimPrefix(suffix, "_") {
				m.secrets = append(m.secrets, value)
				break
			}
		}
	}
	return m
}

func (m *EnvSecretMasker) Name() string { return "env_secrets" }

// AppliesTo reports whether any snapshotted secret value occurs in data.
func (m *EnvSecretMasker) AppliesTo(data string) bool {
	for _, secret := range m.secrets {
		if strings.Contains(data, secret) {
			return true
		}
	}
	return false
}

// Mask replaces every occurrence of every snapshotted secret value.
func (m *EnvSecretMasker) Mask(data string) string {
	for _, secret := range m.secrets {
		data = strings.ReplaceAll(data, secret, "***MASKED_ENV_SECRET***")
	}
	return data
}
