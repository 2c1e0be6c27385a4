package policy

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in template-catalog YAML using Go
// templates. Uses {{.VAR_NAME}} syntax to avoid collision with $ in symbol
// patterns and shell snippets that appear inside objectives and rationales.
//
// Examples:
//   - {{.OPERATOR_WALLET}} → value of OPERATOR_WALLET environment variable
//   - {{.VENUE_HOST}}:{{.VENUE_PORT}} → hostname:port with both expanded
//
// Missing variables expand to empty string (unless the template is
// malformed). Validation catches required fields left empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("templates").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// If template parsing fails, return original data so the YAML
		// parser reports the content error instead.
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split only on first = to handle values with = in them
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}

	return buf.Bytes()
}
