package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/conductor/credfill/internal/fill"
)

// errWriter receives warnings that must not mix with protocol output.
var errWriter io.Writer = os.Stderr

// Color codes
var (
	colorEnabled = true

	resetCode  = "\033[0m"
	boldCode   = "\033[1m"
	dimCode    = "\033[2m"
	redCode    = "\033[31m"
	greenCode  = "\033[32m"
	yellowCode = "\033[33m"
)

// InitColor initializes color output based on environment
func InitColor(enabled bool) {
	colorEnabled = enabled

	// Colors go to stderr as often as stdout; require both to be terminals.
	if !isTerminal(os.Stdout) || !isTerminal(os.Stderr) {
		colorEnabled = false
	}

	if os.Getenv("NO_COLOR") != "" {
		colorEnabled = false
	}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorize(s, code string) string {
	if !colorEnabled {
		return s
	}
	return code + s + resetCode
}

// Bold returns bold text
func Bold(s string) string {
	return colorize(s, boldCode)
}

// Dim returns dimmed text
func Dim(s string) string {
	return colorize(s, dimCode)
}

// Red returns red text
func Red(s string) string {
	return colorize(s, redCode)
}

// Green returns green text
func Green(s string) string {
	return colorize(s, greenCode)
}

// Yellow returns yellow text
func Yellow(s string) string {
	return colorize(s, yellowCode)
}

// writeJSON writes data as indented JSON
func writeJSON(w io.Writer, data interface{}) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// outcomeView is the printable form of a resolve. It has no password field.
type outcomeView struct {
	ResolveID  string   `json:"resolve_id"`
	Protocol   string   `json:"protocol"`
	Host       string   `json:"host"`
	Username   string   `json:"username,omitempty"`
	Complete   bool     `json:"complete"`
	Approved   bool     `json:"approved"`
	States     []string `json:"states"`
	FillErrors []string `json:"fill_errors,omitempty"`
}

func newOutcomeView(o *fill.Outcome) outcomeView {
	v := outcomeView{
		ResolveID: o.ResolveID,
		Protocol:  o.Protocol,
		Host:      o.Host,
		Username:  o.Username,
		Complete:  o.Complete,
		Approved:  o.Approved,
	}
	for _, s := range o.States {
		v.States = append(v.States, string(s))
	}
	for _, err := range o.FillErrors {
		v.FillErrors = append(v.FillErrors, err.Error())
	}
	return v
}

func printOutcome(w io.Writer, o *fill.Outcome) error {
	v := newOutcomeView(o)
	if outputFormat == "json" {
		return writeJSON(w, v)
	}

	decision := Red("rejected")
	if v.Approved {
		decision = Green("approved")
	}
	complete := Yellow("no")
	if v.Complete {
		complete = "yes"
	}

	fmt.Fprintf(w, "%s\n", Bold("Credential"))
	fmt.Fprintf(w, "  Resolve ID: %s\n", orDash(v.ResolveID))
	fmt.Fprintf(w, "  Protocol:   %s\n", orDash(v.Protocol))
	fmt.Fprintf(w, "  Host:       %s\n", orDash(v.Host))
	fmt.Fprintf(w, "  Username:   %s\n", orDash(v.Username))
	fmt.Fprintf(w, "  Complete:   %s\n", complete)
	fmt.Fprintf(w, "  Decision:   %s\n", decision)
	fmt.Fprintf(w, "  States:     %s\n", Dim(strings.Join(v.States, " > ")))

	if len(v.FillErrors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s\n", Bold("Helper errors"))
		for _, e := range v.FillErrors {
			fmt.Fprintf(w, "  %s %s\n", Yellow("!"), e)
		}
	}
	return nil
}

// formatTable creates an ASCII table string
func formatTable(headers []string, rows [][]string) string {
	if len(headers) == 0 {
		return ""
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(stripAnsi(h))
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				if cellLen := len(stripAnsi(cell)); cellLen > widths[i] {
					widths[i] = cellLen
				}
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string) {
		for i := range headers {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if i < len(headers)-1 {
				sb.WriteString(padRight(cell, widths[i]))
				sb.WriteString("  ")
			} else {
				sb.WriteString(cell)
			}
		}
		sb.WriteString("\n")
	}

	writeRow(headers)
	sep := make([]string, len(widths))
	for i, w := range widths {
		sep[i] = strings.Repeat("-", w)
	}
	writeRow(sep)
	for _, row := range rows {
		writeRow(row)
	}

	return sb.String()
}

// stripAnsi removes ANSI color codes from a string
func stripAnsi(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}

// padRight pads a string to the given width, accounting for ANSI codes
func padRight(s string, width int) string {
	padding := width - len(stripAnsi(s))
	if padding <= 0 {
		return s
	}
	return s + strings.Repeat(" ", padding)
}

// truncate truncates a string to the given length
func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	if length <= 3 {
		return s[:length]
	}
	return s[:length-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return Dim("-")
	}
	return s
}

func getenv(key string) string {
	return os.Getenv(key)
}

// resolveOutputFormat picks the output format from the --output flag, then
// CREDFILL_OUTPUT, then the table default.
func resolveOutputFormat(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envValue := getenv("CREDFILL_OUTPUT"); envValue != "" {
		return envValue
	}
	return "table"
}
