// Package credential defines the credential record passed between the fill
// engine, the helper chain and individual helpers.
//
// Every field is optional; an empty value and an absent value mean the same
// thing. The password is kept in a byte slice so that it can be zeroed in
// place once the record is no longer needed.
package credential

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Record is a mutable credential value.
type Record struct {
	Protocol string
	Host     string
	Path     string
	Username string
	Password []byte

	// FromURL is set when the fields were split out of a single URL rather
	// than supplied one by one.
	FromURL bool
}

// New returns an empty record with all fields unset.
func New() *Record {
	return &Record{}
}

// IsComplete reports whether protocol, host, username and password are all set.
func (r *Record) IsComplete() bool {
	return r.Protocol != "" && r.Host != "" && r.Username != "" && len(r.Password) > 0
}

// HasPassword reports whether a password is set.
func (r *Record) HasPassword() bool {
	return len(r.Password) > 0
}

// SetPassword replaces the password, zeroing the previous value first.
func (r *Record) SetPassword(password string) {
	r.Clear()
	if password == "" {
		return
	}
	r.Password = []byte(password)
}

// PasswordString returns a string copy of the password. The copy cannot be
// zeroed, so callers should only use it at the edge where a string is required.
func (r *Record) PasswordString() string {
	return string(r.Password)
}

// Clear overwrites the password storage with zeros and marks it unset.
// It is safe to call more than once.
func (r *Record) Clear() {
	clear(r.Password)
	r.Password = nil
}

// Merge copies fields from other into r where r's field is empty.
// Fields already set on r are never overwritten.
func (r *Record) Merge(other *Record) {
	if other == nil {
		return
	}
	if r.Protocol == "" {
		r.Protocol = other.Protocol
	}
	if r.Host == "" {
		r.Host = other.Host
	}
	if r.Path == "" {
		r.Path = other.Path
	}
	if r.Username == "" {
		r.Username = other.Username
	}
	if len(r.Password) == 0 && len(other.Password) > 0 {
		r.Password = append([]byte(nil), other.Password...)
	}
}

// Missing returns the names of the fields required for completeness that are
// still unset.
func (r *Record) Missing() []string {
	var missing []string
	if r.Protocol == "" {
		missing = append(missing, "protocol")
	}
	if r.Host == "" {
		missing = append(missing, "host")
	}
	if r.Username == "" {
		missing = append(missing, "username")
	}
	if len(r.Password) == 0 {
		missing = append(missing, "password")
	}
	return missing
}

// String renders the record without the password.
func (r *Record) String() string {
	var sb strings.Builder
	sb.WriteString(r.Protocol)
	sb.WriteString("://")
	if r.Username != "" {
		sb.WriteString(r.Username)
		sb.WriteString("@")
	}
	sb.WriteString(r.Host)
	if r.Path != "" {
		sb.WriteString("/")
		sb.WriteString(r.Path)
	}
	return fmt.Sprintf("%s (password set: %t)", sb.String(), r.HasPassword())
}

// MarshalZerologObject logs the record with the password redacted.
func (r *Record) MarshalZerologObject(e *zerolog.Event) {
	e.Str("protocol", r.Protocol).
		Str("host", r.Host).
		Str("path", r.Path).
		Str("username", r.Username).
		Bool("password_set", r.HasPassword()).
		Bool("from_url", r.FromURL)
}
