package credential

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ParseURL splits a URL such as https://alice@example.com:8443/repo.git into
// a record. Credentials embedded in the URL are carried over, including a
// password, so the helper chain does not need to be asked for them.
func ParseURL(raw string) (*Record, error) {
	if raw == "" {
		return nil, errors.New("url is empty")
	}
	if !strings.Contains(raw, "://") {
		return nil, fmt.Errorf("url %q has no scheme", redactURL(raw))
	}

	u, err := url.Parse(raw)
	if err != nil {
		// url.Error echoes the input, which may contain a password.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("invalid url %q: %w", redactURL(raw), err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("url %q has no scheme", redactURL(raw))
	}

	r := &Record{
		Protocol: u.Scheme,
		Host:     u.Host,
		Path:     strings.TrimPrefix(u.Path, "/"),
		FromURL:  true,
	}
	if u.User != nil {
		r.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			r.SetPassword(pw)
		}
	}

	return r, nil
}

// redactURL strips userinfo from a URL so it can be placed in error messages.
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return raw
	}
	scheme := strings.Index(raw, "://")
	if scheme < 0 || scheme > at {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}
