// SPDX-License-Identifier: Apache-2.0

package core

import (
	"regexp"
	"strings"
)

const redactedMark = "***"

var (
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`)
	skPattern     = regexp.MustCompile(`sk-[A-Za-z0-9._\-]{8,}`)
)

// Redactor removes credential material from text before it reaches the
// trace stream or logs. It knows the configured API keys plus the generic
// bearer-token and sk- key shapes.
type Redactor struct {
	secrets []string
}

// NewRedactor builds a redactor over the given secret strings. Empty and
// very short entries are ignored so that a blank config value cannot wipe
// ordinary text.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if len(strings.TrimSpace(s)) >= 6 {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

// Redact returns s with every known secret and credential-shaped substring
// replaced.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, redactedMark)
	}
	s = bearerPattern.ReplaceAllString(s, "Bearer "+redactedMark)
	s = skPattern.ReplaceAllString(s, redactedMark)
	return s
}

// RedactEvent applies redaction to every free-text field of an event.
func (r *Redactor) RedactEvent(ev Event) Event {
	ev.Title = r.Redact(ev.Title)
	ev.Detail = r.Redact(ev.Detail)
	ev.Preview = r.Redact(ev.Preview)
	for k, v := range ev.Meta {
		if s, ok := v.(string); ok {
			ev.Meta[k] = r.Redact(s)
		}
	}
	return ev
}
