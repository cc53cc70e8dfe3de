package masking

import (
	"fmt"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPattern is the source form of a built-in masking pattern.
type builtinPattern struct {
	Pattern     string
	Replacement string
	Description string
}

// builtinPatterns are the regexes applied to every provider-interaction
// log artifact. They target credentials that routinely leak into prompts,
// replayed commands, and CLI stderr.
var builtinPatterns = map[string]builtinPattern{
	"api_key": {
		Pattern:     `\b(sk-[a-zA-Z0-9_-]{16,}|xoxb-[a-zA-Z0-9-]{16,}|ghp_[a-zA-Z0-9]{36})\b`,
		Replacement: "***MASKED_API_KEY***",
		Description: "Provider and service API keys (Anthropic/OpenAI, Slack bot, GitHub PAT)",
	},
	"bearer_token": {
		Pattern:     `(?i)\b(bearer\s+)[a-zA-Z0-9._~+/-]{8,}=*`,
		Replacement: "${1}***MASKED_TOKEN***",
		Description: "Bearer tokens in Authorization headers",
	},
	"basic_auth_url": {
		Pattern:     `(\b[a-z][a-z0-9+.-]*://[^/\s:@]+):([^@\s/]+)@`,
		Replacement: "${1}:***MASKED_PASSWORD***@",
		Description: "Passwords embedded in URL userinfo",
	},
	"password_assignment": {
		Pattern:     `(?i)\b([\w-]*(?:password|passwd|pwd|secret|token|api[_-]?key))(\s*[=:]\s*)["']?[^"'\s]{4,}["']?`,
		Replacement: "${1}${2}***MASKED***",
		Description: "key=value / key: value credential assignments, prefixed keys included",
	},
	"aws_access_key": {
		Pattern:     `\bAKIA[0-9A-Z]{16}\b`,
		Replacement: "***MASKED_AWS_KEY***",
		Description: "AWS access key ids",
	},
	"private_key_block": {
		Pattern:     `(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`,
		Replacement: "***MASKED_PRIVATE_KEY***",
		Description: "PEM private key blocks",
	},
}

// compileBuiltinPatterns compiles all built-in regex patterns.
// Invalid patterns are logged and skipped.
func (s *Service) compileBuiltinPatterns() {
	for name, pattern := range builtinPatterns {
		compiled, err := regexp.Compile(pattern.Pattern)
		if err != nil {
			s.log.Error("failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: pattern.Replacement,
			Description: pattern.Description,
		}
	}
}

// compileCustomPatterns compiles operator-supplied patterns. Custom
// patterns are keyed as "custom:{index}" to avoid collisions with
// built-ins.
func (s *Service) compileCustomPatterns(custom []CustomPattern) {
	for i, pattern := range custom {
		name := customPatternName(i)
		compiled, err := regexp.Compile(pattern.Pattern)
		if err != nil {
			s.log.Error("failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		replacement := pattern.Replacement
		if replacement == "" {
			replacement = "***MASKED***"
		}
		s.patterns[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: replacement,
			Description: pattern.Description,
		}
	}
}

func customPatternName(i int) string {
	return fmt.Sprintf("custom:%d", i)
}
