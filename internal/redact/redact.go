// Package redact masks secrets in strings destined for task transcripts.
package redact

import (
	"regexp"
	"strings"
)

// Marker replaces every redacted substring.
const Marker = "[REDACTED]"

var (
	// bearerPattern matches "Bearer <token>" and "Authorization: <token>" forms.
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+|authorization:\s*(?:bearer\s+)?)([A-Za-z0-9._~+/=-]+)`)

	// queryParamPattern matches apikey=<value> and token=<value> in URLs or
	// command echoes. Values run to the next separator.
	queryParamPattern = regexp.MustCompile(`(?i)((?:api[_-]?key|token|access_token)=)([^&\s"']+)`)

	// basicAuthURLPattern matches credentials embedded in https URLs,
	// e.g. https://<token>:x-oauth-basic@host/...
	basicAuthURLPattern = regexp.MustCompile(`(https?://)([^/\s@]+)@`)
)

// Redactor masks known secret values and common credential patterns.
// It is a pure value: Mask never mutates state, and masking is idempotent.
type Redactor struct {
	secrets []string
}

// New creates a Redactor that masks the given secret values in addition to
// the built-in patterns. Empty and very short values are ignored so the
// redactor never degenerates into masking ordinary text.
func New(secrets ...string) *Redactor {
	r := &Redactor{}
	return r.WithSecrets(secrets...)
}

// WithSecrets returns a new Redactor that additionally masks the given values.
func (r *Redactor) WithSecrets(secrets ...string) *Redactor {
	out := &Redactor{secrets: make([]string, 0, len(r.secrets)+len(secrets))}
	out.secrets = append(out.secrets, r.secrets...)
	for _, s := range secrets {
		// Below 6 chars the value is too likely to appear in innocent text.
		if len(s) >= 6 {
			out.secrets = append(out.secrets, s)
		}
	}
	return out
}

// Mask returns s with all known secret values and credential patterns
// replaced by Marker. Applying Mask twice yields the same output as once.
func (r *Redactor) Mask(s string) string {
	if s == "" {
		return s
	}

	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, Marker)
	}

	s = basicAuthURLPattern.ReplaceAllStringFunc(s, func(m string) string {
		groups := basicAuthURLPattern.FindStringSubmatch(m)
		if strings.Contains(groups[2], Marker) {
			return m
		}
		return groups[1] + Marker + "@"
	})
	s = bearerPattern.ReplaceAllString(s, "${1}"+Marker)
	s = queryParamPattern.ReplaceAllStringFunc(s, func(m string) string {
		groups := queryParamPattern.FindStringSubmatch(m)
		if groups[2] == Marker {
			return m
		}
		return groups[1] + Marker
	})

	return s
}

// MaskAll applies Mask to each element of msgs, in place, and returns msgs.
func (r *Redactor) MaskAll(msgs []string) []string {
	for i := range msgs {
		msgs[i] = r.Mask(msgs[i])
	}
	return msgs
}
