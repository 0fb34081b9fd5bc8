package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"avatarctl/internal/entity"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 24
	statusIndent     = "  "
)

var titleCaser = cases.Title(language.English)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := fmt.Sprintf("[%s]", statusKindLabel(kind))
	if message != "" {
		statusText += " " + message
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

// kindForClass maps a status class onto a status line colour. Degraded
// watches are flagged as warnings until polling recovers.
func kindForClass(class entity.StatusClass, degraded bool) statusKind {
	switch {
	case class == entity.TerminalSuccess:
		return statusOK
	case class == entity.TerminalFailure:
		return statusError
	case degraded:
		return statusWarn
	default:
		return statusInfo
	}
}

// formatStatusLabel renders "in_progress" as "In Progress".
func formatStatusLabel(status entity.Status) string {
	s := strings.TrimSpace(string(status))
	if s == "" {
		return "Unknown"
	}
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

func entityStatusLine(e entity.Entity, degraded, colorize bool) string {
	message := formatStatusLabel(e.Status)
	if e.FailureReason != "" {
		message += ": " + e.FailureReason
	}
	if degraded {
		message += " (status may be stale, service unreachable)"
	}
	return renderStatusLine(e.Key.String(), kindForClass(e.Class(), degraded), message, colorize)
}

func shouldColorize(writer io.Writer) bool {
	return isTerminal(writer)
}

func isTerminal(stream any) bool {
	file, ok := stream.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
