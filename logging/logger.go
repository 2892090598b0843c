// SPDX-License-Identifier: MIT
// Auditor - Logging
//
// One slog handler per process, text or JSON. Verification outcomes that
// point at a swapped or tampered auditee (pinned key mismatch, downgrade,
// forged or untrusted chain, replayed challenge) go out at SECURITY, which
// ranks above ERROR so no configured level can hide them.

package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/octocorvus/Auditor/types"
)

const LevelSecurity = slog.LevelError + 4

// accepted level names, first match wins when printing
var levels = []struct {
	name  string
	level slog.Level
}{
	{"debug", slog.LevelDebug},
	{"info", slog.LevelInfo},
	{"warn", slog.LevelWarn},
	{"warning", slog.LevelWarn},
	{"error", slog.LevelError},
	{"security", LevelSecurity},
}

var handlers = map[string]func(io.Writer, *slog.HandlerOptions) slog.Handler{
	"json": func(w io.Writer, o *slog.HandlerOptions) slog.Handler { return slog.NewJSONHandler(w, o) },
	"text": func(w io.Writer, o *slog.HandlerOptions) slog.Handler { return slog.NewTextHandler(w, o) },
}

type Options struct {
	// debug, info, warn, error or security; security events pass any level
	Level string

	// json or text; anything else is text
	Format string

	// nil writes to stderr
	Output io.Writer
}

func New(opts Options) *slog.Logger {
	w := opts.Output
	if w == nil {
		w = os.Stderr
	}
	newHandler, ok := handlers[strings.ToLower(opts.Format)]
	if !ok {
		newHandler = handlers["text"]
	}
	return slog.New(newHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: renameSecurityLevel,
	}))
}

// slog prints LevelSecurity as "ERROR+4"
func renameSecurityLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelSecurity {
		a.Value = slog.StringValue("SECURITY")
	}
	return a
}

// unknown and empty names mean info
func ParseLevel(s string) slog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, l := range levels {
		if l.name == s {
			return l.level
		}
	}
	return slog.LevelInfo
}

func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

func Security(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelSecurity, msg, args...)
}

// child logger scoped to one pairing
func WithIdentity(logger *slog.Logger, namespace, identity string) *slog.Logger {
	return logger.With("namespace", namespace, "identity", identity)
}

// error and error_kind attributes, nil for a nil error
func ErrorAttrs(err error) []any {
	if err == nil {
		return nil
	}
	return []any{
		slog.String("error", err.Error()),
		slog.String("error_kind", types.ErrorKind(err)),
	}
}
