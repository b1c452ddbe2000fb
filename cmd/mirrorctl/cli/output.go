// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Output writes command results either as JSON or as human-readable
// text.
type Output struct {
	writer   io.Writer
	jsonMode bool

	header lipgloss.Style
	good   lipgloss.Style
	bad    lipgloss.Style
}

// NewOutput returns an Output for w. Text mode is used only when w is
// a terminal and forceJSON is false.
func NewOutput(w io.Writer, forceJSON bool) *Output {
	return newOutput(w, forceJSON || !isTerminal(w))
}

// NewTextOutput returns an Output that always renders text.
func NewTextOutput(w io.Writer) *Output {
	return newOutput(w, false)
}

func newOutput(w io.Writer, jsonMode bool) *Output {
	renderer := lipgloss.NewRenderer(w)
	return &Output{
		writer:   w,
		jsonMode: jsonMode,
		header:   renderer.NewStyle().Bold(true),
		good:     renderer.NewStyle().Foreground(lipgloss.Color("2")),
		bad:      renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

// JSON reports whether results are written as JSON.
func (o *Output) JSON() bool {
	return o.jsonMode
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.writer
}

// Emit writes value as JSON in JSON mode and calls text otherwise.
func (o *Output) Emit(value any, text func() error) error {
	if o.jsonMode {
		return o.WriteJSON(value)
	}
	return text()
}

// WriteJSON writes value as indented JSON. A nil slice is written as
// [] rather than null.
func (o *Output) WriteJSON(value any) error {
	if v := reflect.ValueOf(value); v.Kind() == reflect.Slice && v.IsNil() {
		value = reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// Printf writes formatted text.
func (o *Output) Printf(format string, args ...any) {
	fmt.Fprintf(o.writer, format, args...)
}

// Status colours a status word: green for healthy states, red for
// failed or deleted ones.
func (o *Output) Status(status string) string {
	switch status {
	case "ok", "active", "success", "synced", "archived":
		return o.good.Render(status)
	case "failed", "deleted", "error":
		return o.bad.Render(status)
	default:
		return status
	}
}

// Fields writes aligned "key: value" lines.
func (o *Output) Fields(pairs [][2]string) {
	width := 0
	for _, pair := range pairs {
		width = max(width, lipgloss.Width(pair[0]))
	}
	for _, pair := range pairs {
		padding := strings.Repeat(" ", width-lipgloss.Width(pair[0]))
		fmt.Fprintf(o.writer, "%s%s  %s\n", o.header.Render(pair[0]+":"), padding, pair[1])
	}
}

// Table writes rows under headers with columns padded to their widest
// cell. Widths are measured on rendered text, so styled cells align.
func (o *Output) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = lipgloss.Width(header)
	}
	for _, row := range rows {
		for i := range min(len(row), len(widths)) {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}

	writeRow := func(cells []string, style *lipgloss.Style) {
		var line strings.Builder
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			padding := widths[i] - lipgloss.Width(cell)
			if style != nil {
				cell = style.Render(cell)
			}
			line.WriteString(cell)
			if i < len(widths)-1 {
				line.WriteString(strings.Repeat(" ", padding+2))
			}
		}
		fmt.Fprintln(o.writer, strings.TrimRight(line.String(), " "))
	}

	writeRow(headers, &o.header)
	for _, row := range rows {
		writeRow(row, nil)
	}
}
