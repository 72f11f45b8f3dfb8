package logging

import "context"

// NopLogger discards everything.
type NopLogger struct{}

var _ Logger = NopLogger{}

func NewNop() NopLogger { return NopLogger{} }

func (NopLogger) Log(context.Context, Level, string, ...Field) {}

//nolint:ireturn
func (n NopLogger) With(...Field) Logger { return n }

func (NopLogger) Enabled(Level) bool { return false }

func (NopLogger) Sync(context.Context) error { return nil }
