// Package masking redacts credentials from provider-interaction log
// artifacts before they reach disk: replayable .command.sh scripts, .log
// previews, and captured stderr. It applies code-based maskers first
// (structural awareness: known env-var secret values), then a regex sweep
// over credential shapes.
package masking

import (
	"log/slog"
	"sort"
)

// CustomPattern is an operator-supplied regex pattern.
type CustomPattern struct {
	Pattern     string
	Replacement string
	Description string
}

// Config controls which maskers and patterns a Service applies.
type Config struct {
	Enabled        bool
	MaskEnvSecrets bool
	CustomPatterns []CustomPattern
}

// DefaultConfig enables every built-in masker.
func DefaultConfig() Config {
	return Config{Enabled: true, MaskEnvSecrets: true}
}

// Service is the masking engine: a set of code-based maskers plus compiled
// regex patterns, resolved once at construction.
type Service struct {
	cfg         Config
	codeMaskers map[string]Masker
	patterns    map[string]*CompiledPattern
	log         *slog.Logger
}

// NewService compiles the built-in and custom patterns and registers the
// code-based maskers. environ is the process environment in os.Environ
// shape, consulted only when cfg.MaskEnvSecrets is set.
func NewService(cfg Config, environ []string, log *slog.Logger) *Service {
	s := &Service{
		cfg:         cfg,
		codeMaskers: make(map[string]Masker),
		patterns:    make(map[string]*CompiledPattern),
		log:         log,
	}
	if !cfg.Enabled {
		return s
	}

	s.compileBuiltinPatterns()
	s.compileCustomPatterns(cfg.CustomPatterns)

	if cfg.MaskEnvSecrets {
		s.registerMasker(NewEnvSecretMasker(environ))
	}
	return s
}

// MaskData applies code-based maskers then regex patterns to data. A
// disabled service returns data unchanged, so callers can hold a Service
// unconditionally.
func (s *Service) MaskData(data string) string {
	if !s.cfg.Enabled || data == "" {
		return data
	}

	masked := data

	// Phase 1: code-based maskers (more specific, structural awareness).
	for _, name := range s.maskerNames() {
		m := s.codeMaskers[name]
		if m.AppliesTo(masked) {
			masked = m.Mask(masked)
		}
	}

	// Phase 2: regex patterns (general sweep).
	for _, name := range s.patternNames() {
		p := s.patterns[name]
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}

	return masked
}

// PatternNames returns the compiled pattern names, sorted, for diagnostics.
func (s *Service) PatternNames() []string { return s.patternNames() }

// registerMasker registers a code-based masker by its name.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}

// maskerNames and patternNames iterate deterministically so the same input
// always yields the same output regardless of map order.
func (s *Service) maskerNames() []string {
	names := make([]string, 0, len(s.codeMaskers))
	for name := range s.codeMaskers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) patternNames() []string {
	names := make([]string, 0, len(s.patterns))
	for name := range s.patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
