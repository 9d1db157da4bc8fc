package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/antonkrylov/devbox/internal/devbox"
)

const logTimeLayout = "2006-01-02 15:04:05.000"

// formatLogEntry renders one log line. Command boundaries show as
// "-> cmd" and "-> exit_code=N".
func formatLogEntry(e devbox.LogEntry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.Local().Format(logTimeLayout))
	if e.Source != "" {
		b.WriteString(" [")
		b.WriteString(e.Source)
		b.WriteString("]")
	}
	switch {
	case e.ExitCode != nil:
		fmt.Fprintf(&b, " -> exit_code=%d", *e.ExitCode)
		if e.Text != "" {
			b.WriteString(" ")
			b.WriteString(e.Text)
		}
	case e.Cmd != "":
		b.WriteString(" -> ")
		b.WriteString(e.Cmd)
	case e.Text != "":
		b.WriteString(" ")
		b.WriteString(strings.TrimRight(e.Text, "\n"))
	}
	return b.String()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printDevbox(w io.Writer, d *devbox.Devbox) {
	if d == nil {
		fmt.Fprintln(w, "<nil devbox>")
		return
	}
	name := d.Name
	if name == "" {
		name = "-"
	}
	fmt.Fprintf(w, "Devbox %s (%s)\n", d.ID, name)
	fmt.Fprintf(w, "  Status: %s\n", d.Status)
	fmt.Fprintf(w, "  Created: %s\n", formatTime(&d.CreateTime))
	if d.EndTime != nil {
		fmt.Fprintf(w, "  Ended: %s\n", formatTime(d.EndTime))
	}
	if d.BlueprintID != "" {
		fmt.Fprintf(w, "  Blueprint: %s\n", d.BlueprintID)
	}
	if d.Initiator != "" {
		fmt.Fprintf(w, "  Initiator: %s\n", d.Initiator)
	}
	if d.Idle != nil {
		fmt.Fprintf(w, "  Idle: %s after %ds\n", d.Idle.OnIdle, d.Idle.IdleSeconds)
	}
	if d.FailureReason != "" {
		fmt.Fprintf(w, "  Failure: %s\n", d.FailureReason)
	}
}

func printDevboxTable(w io.Writer, list []*devbox.Devbox) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVBOX ID\tNAME\tSTATUS\tCREATED")
	for _, d := range list {
		name := d.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, name, d.Status, formatTime(&d.CreateTime))
	}
	return tw.Flush()
}

func printExecution(w io.Writer, ex *devbox.Execution) {
	fmt.Fprintf(w, "Execution %s on %s\n", ex.ID, ex.DevboxID)
	fmt.Fprintf(w, "  Command: %s\n", ex.Command)
	fmt.Fprintf(w, "  Status: %s\n", ex.Status)
	if ex.ExitCode != nil {
		fmt.Fprintf(w, "  Exit: %d\n", *ex.ExitCode)
	}
	fmt.Fprintf(w, "  Started: %s\n", formatTime(&ex.StartedAt))
	if ex.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", formatTime(ex.CompletedAt))
	}
	if ex.Stdout != "" {
		fmt.Fprintf(w, "  Stdout:\n%s", indent(ex.Stdout))
	}
	if ex.Stderr != "" {
		fmt.Fprintf(w, "  Stderr:\n%s", indent(ex.Stderr))
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("    ")
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}
