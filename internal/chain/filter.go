package chain

import (
	"path"
	"strings"

	"github.com/conductor/credfill/internal/credential"
	"github.com/conductor/credfill/internal/helper"
)

// Filter returns the helpers whose scope matches rec, preserving order.
// A helper with no protocol or host restriction always matches. Host scopes
// are shell globs, so "*.example.com" matches "git.example.com".
func Filter(helpers []helper.Config, rec *credential.Record) []helper.Config {
	var out []helper.Config
	for _, h := range helpers {
		if Matches(h, rec) {
			out = append(out, h)
		}
	}
	return out
}

// Matches reports whether h applies to rec.
func Matches(h helper.Config, rec *credential.Record) bool {
	if h.Protocol != "" && !strings.EqualFold(h.Protocol, rec.Protocol) {
		return false
	}
	if h.Host != "" {
		if rec.Host == "" {
			return false
		}
		ok, err := path.Match(strings.ToLower(h.Host), strings.ToLower(rec.Host))
		if err != nil || !ok {
			return false
		}
	}
	return true
}
