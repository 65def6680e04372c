// Package redact masks sensitive values out of tool-call arguments
// before they are persisted or replayed. Redaction is pure, applies
// one level deep (it does not recurse into nested maps or slices), and
// is idempotent: redacting an already-redacted map returns it
// unchanged.
package redact

import "strings"

// Mask is the placeholder value substituted for a sensitive argument.
const Mask = "***REDACTED***"

// defaultSensitiveKeys are argument key substrings (matched
// case-insensitively) that always get masked.
var defaultSensitiveKeys = []string{"password", "secret", "token", "key"}

// defaultCredentialSuffixes flag string values that look like paths to
// credential files, regardless of which key they're stored under.
var defaultCredentialSuffixes = []string{".env", ".key", ".pem"}

// Config extends the built-in sensitive-key and credential-suffix
// lists with deployment-specific overrides.
type Config struct {
	SensitiveKeys      []string
	CredentialSuffixes []string
}

// Redactor applies Config on top of the built-in rules.
type Redactor struct {
	sensitiveKeys      []string
	credentialSuffixes []string
}

// New builds a Redactor from cfg. A zero-value Config uses only the
// built-in rules.
func New(cfg Config) *Redactor {
	return &Redactor{
		sensitiveKeys:      append(append([]string{}, defaultSensitiveKeys...), cfg.SensitiveKeys...),
		credentialSuffixes: append(append([]string{}, defaultCredentialSuffixes...), cfg.CredentialSuffixes...),
	}
}

// Apply returns a copy of args with sensitive entries masked. A key is
// masked when its name contains one of the sensitive-key substrings
// (case-insensitive), or its value is a string containing one of the
// credential-path suffixes. Nested maps and slices are copied as-is,
// not descended into.
func (r *Redactor) Apply(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		if r.isSensitiveKey(k) {
			out[k] = Mask
			continue
		}
		if s, ok := v.(string); ok && r.isCredentialPath(s) {
			out[k] = Mask
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Redactor) isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, candidate := range r.sensitiveKeys {
		if strings.Contains(lower, strings.ToLower(candidate)) {
			return true
		}
	}
	return false
}

func (r *Redactor) isCredentialPath(value string) bool {
	for _, suffix := range r.credentialSuffixes {
		if strings.Contains(value, suffix) {
			return true
		}
	}
	return false
}
