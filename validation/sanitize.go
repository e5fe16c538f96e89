package validation

import "html"

// maxStripPasses bounds the strip-and-unescape loop. Each pass removes at
// least one level of entity-encoded markup.
const maxStripPasses = 4

// sanitize applies mode to s. Unknown modes leave s unchanged; Register
// rejects them.
func (reg *Registry) sanitize(mode SanitizeMode, s string) string {
	switch mode {
	case SanitizeStrip:
		return reg.strip(s)
	case SanitizeUGC:
		return reg.ugc.Sanitize(s)
	}
	return s
}

// strip returns s as plain text without tags. The strict policy escapes
// text for HTML output; the result is unescaped again so "Tom & Jerry"
// survives unchanged, and the pass repeats until stable so entity-encoded
// tags such as "&lt;b&gt;" cannot reappear after unescaping.
func (reg *Registry) strip(s string) string {
	for range maxStripPasses {
		next := html.UnescapeString(reg.strict.Sanitize(s))
		if next == s {
			return s
		}
		s = next
	}
	return reg.strict.Sanitize(s)
}

// Sanitize applies mode to s outside of schema validation, e.g. for
// values assembled by handlers.
func (reg *Registry) Sanitize(mode SanitizeMode, s string) string {
	return reg.sanitize(mode, s)
}
