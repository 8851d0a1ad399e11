package helper

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/conductor/credfill/internal/credential"
)

// maxLineSize bounds a single key=value line read from a helper.
const maxLineSize = 64 * 1024

// Answer is a decoded helper response.
type Answer struct {
	Record *credential.Record
	Quit   bool
}

// Encode writes the non-empty fields of rec as key=value lines followed by the
// terminating blank line. The password is omitted for OpGet.
func Encode(w io.Writer, rec *credential.Record, op Operation) error {
	var buf bytes.Buffer
	defer func() { clear(buf.Bytes()) }()

	fields := []struct {
		key   string
		value []byte
	}{
		{"protocol", []byte(rec.Protocol)},
		{"host", []byte(rec.Host)},
		{"path", []byte(rec.Path)},
		{"username", []byte(rec.Username)},
	}
	if op != OpGet {
		fields = append(fields, struct {
			key   string
			value []byte
		}{"password", rec.Password})
	}

	for _, f := range fields {
		if len(f.value) == 0 {
			continue
		}
		if bytes.ContainsAny(f.value, "\n\x00") {
			return &ProtocolError{Reason: fmt.Sprintf("%s contains a newline or NUL byte", f.key)}
		}
		buf.WriteString(f.key)
		buf.WriteByte('=')
		buf.Write(f.value)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write credential request: %w", err)
	}
	return nil
}

// Decode reads key=value lines until a blank line or the end of the stream.
// Lines without '=' and unknown keys are skipped. A url= line fills any
// fields not given explicitly. A line that cannot be read in full, or that
// contains a NUL byte, is a ProtocolError.
func Decode(r io.Reader) (*Answer, error) {
	answer := &Answer{Record: credential.New()}
	var fromURL *credential.Record

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			break
		}
		if bytes.IndexByte(line, 0) >= 0 {
			answer.Record.Clear()
			return nil, &ProtocolError{Line: lineNo, Reason: "line contains NUL byte"}
		}

		key, value, ok := bytes.Cut(line, []byte("="))
		if !ok {
			continue
		}

		switch string(key) {
		case "protocol":
			answer.Record.Protocol = string(value)
		case "host":
			answer.Record.Host = string(value)
		case "path":
			answer.Record.Path = string(value)
		case "username":
			answer.Record.Username = string(value)
		case "password":
			answer.Record.Clear()
			if len(value) > 0 {
				answer.Record.Password = append([]byte(nil), value...)
			}
		case "url":
			parsed, err := credential.ParseURL(string(value))
			if err != nil {
				continue
			}
			if fromURL != nil {
				fromURL.Clear()
			}
			fromURL = parsed
		case "quit":
			answer.Quit = parseQuit(string(value))
		}
	}

	if err := scanner.Err(); err != nil {
		answer.Record.Clear()
		if fromURL != nil {
			fromURL.Clear()
		}
		reason := "read response"
		if errors.Is(err, bufio.ErrTooLong) {
			reason = "line too long"
		}
		return nil, &ProtocolError{Line: lineNo + 1, Reason: reason, Err: err}
	}

	if fromURL != nil {
		answer.Record.Merge(fromURL)
		fromURL.Clear()
	}

	return answer, nil
}

func parseQuit(value string) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
		return b
	}
	return false
}
