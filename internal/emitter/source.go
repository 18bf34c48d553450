package emitter

import "context"

// Emission sources reported in self metrics.
const (
	SourceAPI      = "api"
	SourceWorker   = "worker"
	SourceCLI      = "cli"
	SourceInternal = "internal"
)

type sourceKey struct{}

// WithSource tags ctx with the caller that is emitting.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext returns the source set by WithSource, or
// SourceInternal.
func SourceFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}

	return SourceInternal
}
