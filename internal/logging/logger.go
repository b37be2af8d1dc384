// Package logging is the structured, context-aware logging facade of the
// client. SlogLogger backs it with log/slog and Discard drops everything.
package logging

import "context"

// Logger takes key/value pairs after the message:
//
//	log.Warn(ctx, "broadcast failed", "type", t, "error", err)
//
// Components get a child from With("component", name) so their lines can
// be told apart.
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	With(args ...any) Logger
}
