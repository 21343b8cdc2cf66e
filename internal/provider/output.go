package provider

import "context"

// OutputFunc receives command output one line at a time. It may be called
// from several goroutines at once.
type OutputFunc func(line string)

type outputKey struct{}

// WithOutput returns a context whose commands stream their output to fn.
func WithOutput(ctx context.Context, fn OutputFunc) context.Context {
	return context.WithValue(ctx, outputKey{}, fn)
}

func outputFrom(ctx context.Context) OutputFunc {
	fn, _ := ctx.Value(outputKey{}).(OutputFunc)
	return fn
}

// EmitOutput sends line to the output sink of ctx, if any.
func EmitOutput(ctx context.Context, line string) {
	if fn := outputFrom(ctx); fn != nil {
		fn(line)
	}
}
