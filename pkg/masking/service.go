// Package masking scrubs credentials from text before it reaches logs,
// timeline details, or event payloads: hex signatures, JWT and bearer
// tokens, gateway auth keys, and sensitive JSON fields.
package masking

import (
	"log/slog"
)

// Service applies data masking to any text leaving the gateway. Created once
// at application startup (singleton). Thread-safe and stateless aside from
// compiled patterns.
type Service struct {
	patterns    []*CompiledPattern
	codeMaskers []Masker
}

// NewService creates a masking service with compiled patterns and registered
// maskers. All patterns are compiled eagerly at creation time.
func NewService() *Service {
	s := &Service{
		patterns: compileBuiltinPatterns(),
		codeMaskers: []Masker{
			&CredentialDocumentMasker{},
		},
	}

	slog.Info("Masking service initialized",
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))

	return s
}

// Mask scrubs credentials from content. Code-based maskers run first
// (structural awareness), then the regex patterns sweep what remains.
func (s *Service) Mask(content string) string {
	if content == "" {
		return content
	}

	masked := content
	for _, masker := range s.codeMaskers {
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}
	for _, pattern := range s.patterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}
	return masked
}
