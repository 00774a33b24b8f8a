// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package sink

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/tomtom215/vigil/internal/schema"
)

// severityColors maps severity to an ANSI color hint. Suppressed when
// the writer is not a terminal.
var severityColors = map[schema.Severity]string{
	schema.SeverityInfo:     "\x1b[37m", // white
	schema.SeverityLow:      "\x1b[36m", // cyan
	schema.SeverityMedium:   "\x1b[33m", // yellow
	schema.SeverityHigh:     "\x1b[31m", // red
	schema.SeverityCritical: "\x1b[35m", // magenta
}

const colorReset = "\x1b[0m"

// Console writes one line per alert to a writer, stdout by default.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// NewConsole creates a console sink writing to stdout with color enabled
// when stdout is a terminal.
func NewConsole() *Console {
	fi, err := os.Stdout.Stat()
	color := err == nil && fi.Mode()&os.ModeCharDevice != 0
	return &Console{w: os.Stdout, color: color}
}

// NewConsoleWriter creates a console sink over an arbitrary writer with
// color disabled. Used by tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Name() string { return "console" }

// Deliver writes the alert as a single line: timestamp, severity, source,
// title, and the primary actors.
func (c *Console) Deliver(a *schema.Alert) error {
	var actors []string
	if v := a.MetaString(schema.MetaSrcIP); v != "" {
		actors = append(actors, "src="+v)
	}
	if v := a.MetaString(schema.MetaDstIP); v != "" {
		actors = append(actors, "dst="+v)
	}
	if v := a.MetaString(schema.MetaHostname); v != "" {
		actors = append(actors, "host="+v)
	}

	sev := a.Severity.String()
	if c.color {
		sev = severityColors[a.Severity] + sev + colorReset
	}

	line := fmt.Sprintf("%s %-8s %-15s risk=%-3d %s",
		a.Timestamp.UTC().Format("15:04:05.000"), sev, a.Source, a.RiskScore, a.Title)
	if len(actors) > 0 {
		line += " [" + strings.Join(actors, " ") + "]"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, line)
	return err
}

func (c *Console) Close() error { return nil }
