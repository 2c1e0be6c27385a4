package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// patternSpec is one built-in pattern before compilation.
type patternSpec struct {
	name        string
	pattern     string
	replacement string
}

// builtinPatterns are applied in order after code-based maskers. Assignment
// patterns run before the generic hex sweep so key=value context survives
// in the replacement.
var builtinPatterns = []patternSpec{
	{
		name:        "auth_key_assignment",
		pattern:     `(?i)(gateway_auth_key\s*[=:]\s*"?)([^\s",}]+)`,
		replacement: `${1}***MASKED***`,
	},
	{
		name:        "privy_token_assignment",
		pattern:     `(?i)(privy[_-](?:identity|access|id)[_-]token\s*[=:]\s*"?)([^\s",}]+)`,
		replacement: `${1}***MASKED***`,
	},
	{
		name:        "ecdsa_signature",
		pattern:     `0x[0-9a-fA-F]{128,132}`,
		replacement: `***MASKED_SIGNATURE***`,
	},
	{
		name:        "jwt_token",
		pattern:     `\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`,
		replacement: `***MASKED_TOKEN***`,
	},
	{
		name:        "bearer_token",
		pattern:     `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{8,}=*`,
		replacement: `Bearer ***MASKED***`,
	},
	{
		name:        "long_hex_secret",
		pattern:     `\b[0-9a-fA-F]{64,}\b`,
		replacement: `***MASKED_HEX***`,
	},
}

// compileBuiltinPatterns compiles the built-in regex patterns.
// Invalid patterns are logged and skipped.
func compileBuiltinPatterns() []*CompiledPattern {
	compiledSet := make([]*CompiledPattern, 0, len(builtinPatterns))
	for _, def := range builtinPatterns {
		compiled, err := regexp.Compile(def.pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", def.name, "error", err)
			continue
		}
		compiledSet = append(compiledSet, &CompiledPattern{
			Name:        def.name,
			Regex:       compiled,
			Replacement: def.replacement,
		})
	}
	return compiledSet
}
