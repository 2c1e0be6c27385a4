package masking

import (
	"encoding/json"
	"strings"
)

// MaskedValue is the replacement string for masked credential values.
const MaskedValue = "***MASKED***"

// sensitiveKeys are JSON object keys whose values are always masked,
// case-insensitively, anywhere in the document tree.
var sensitiveKeys = []string{
	"gateway_auth_key",
	"auth_key",
	"signature",
	"signature_hex",
	"privy_identity_token",
	"privy_access_token",
	"authorization",
	"private_key",
}

// CredentialDocumentMasker masks sensitive fields inside JSON documents
// (provisioner stdout, echoed configs, transcript payloads) while leaving
// the rest of the document intact.
type CredentialDocumentMasker struct{}

// Name returns the unique identifier for this masker.
func (m *CredentialDocumentMasker) Name() string { return "credential_document" }

// AppliesTo performs a lightweight check on whether this masker should process the data.
func (m *CredentialDocumentMasker) AppliesTo(data string) bool {
	if !strings.Contains(data, "{") {
		return false
	}
	lower := strings.ToLower(data)
	for _, key := range sensitiveKeys {
		if strings.Contains(lower, key) {
			return true
		}
	}
	return false
}

// Mask parses the data as JSON and masks sensitive values by key.
// Returns the original data on parse or processing errors.
func (m *CredentialDocumentMasker) Mask(data string) string {
	trimmed := strings.TrimSpace(data)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return data
	}

	var doc any
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return data
	}

	if !maskTree(doc) {
		return data
	}

	masked, err := json.Marshal(doc)
	if err != nil {
		return data
	}

	output := string(masked)
	if strings.HasSuffix(data, "\n") {
		output += "\n"
	}
	return output
}

// maskTree walks a decoded JSON tree and masks sensitive values in place.
// Returns true if anything was masked.
func maskTree(node any) bool {
	anyMasked := false
	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			if isSensitiveKey(key) {
				if s, ok := val.(string); !ok || s != "" {
					v[key] = MaskedValue
					anyMasked = true
				}
				continue
			}
			if maskTree(val) {
				anyMasked = true
			}
		}
	case []any:
		for _, item := range v {
			if maskTree(item) {
				anyMasked = true
			}
		}
	}
	return anyMasked
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if lower == sensitive {
			return true
		}
	}
	return false
}
