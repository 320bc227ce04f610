// Package log is the daemon's leveled, tagged, redactable logging façade.
// It follows the shape of cockroach's pkg/util/log package (context tags via
// github.com/cockroachdb/logtags, redaction markers via
// github.com/cockroachdb/redact) but is layered on the standard library's
// log/slog for the actual level dispatch and output formatting, since no
// repo in the retrieval pack pulls in a full third-party structured logger
// (zap/zerolog) and slog already gives leveled, structured, contextual
// output without reinventing one.
package log

import (
	"context"
	"log/slog"
	"os"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
)

var base = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// SetOutput redirects all subsequent log output; used by tests that want to
// assert on emitted lines instead of writing to stderr.
func SetOutput(h slog.Handler) {
	base = slog.New(h)
}

// AmbientContext carries a fixed set of tags (e.g. "n1" for node 1, "s3" for
// session 3) that get attached to every log entry emitted through a context
// derived from it, mirroring log.AmbientContext's AnnotateCtx.
type AmbientContext struct {
	tags *logtags.Buffer
}

// MakeAmbientContext builds an AmbientContext carrying the given tags, added
// in order.
func MakeAmbientContext(kv ...interface{}) AmbientContext {
	var buf *logtags.Buffer
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if buf == nil {
			buf = logtags.SingleTagBuffer(key, kv[i+1])
		} else {
			buf = buf.Add(key, kv[i+1])
		}
	}
	return AmbientContext{tags: buf}
}

// AnnotateCtx attaches ac's tags to ctx, merging with any tags ctx already
// carries.
func (ac AmbientContext) AnnotateCtx(ctx context.Context) context.Context {
	if ac.tags == nil {
		return ctx
	}
	return logtags.AddTags(ctx, ac.tags)
}

func attrsFromContext(ctx context.Context) []any {
	buf := logtags.FromContext(ctx)
	if buf == nil || len(buf.Get()) == 0 {
		return nil
	}
	tags := buf.Get()
	attrs := make([]any, 0, len(tags))
	for i := range tags {
		t := tags[i]
		attrs = append(attrs, slog.String(t.Key(), t.ValueStr()))
	}
	return attrs
}

// Infof logs at info level, tagged with any tags carried by ctx.
func Infof(ctx context.Context, format string, args ...interface{}) {
	base.Info(redact.Sprintf(format, args...).StripMarkers(), attrsFromContext(ctx)...)
}

// Warningf logs at warn level.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	base.Warn(redact.Sprintf(format, args...).StripMarkers(), attrsFromContext(ctx)...)
}

// Errorf logs at error level. Used by every background loop in the control
// plane to report a per-iteration failure without exiting the loop.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	base.Error(redact.Sprintf(format, args...).StripMarkers(), attrsFromContext(ctx)...)
}

// VEventf logs a verbose tracing-style event; kept distinct from Infof so
// that call sites documenting "this is the verbose path" (as
// flow_scheduler.go does throughout) read the same way here.
func VEventf(ctx context.Context, _ int, format string, args ...interface{}) {
	base.Debug(redact.Sprintf(format, args...).StripMarkers(), attrsFromContext(ctx)...)
}

// Fatalf logs at error level and terminates the process with exit code 1.
// No library package calls it.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	base.Error(redact.Sprintf(format, args...).StripMarkers(), attrsFromContext(ctx)...)
	os.Exit(1)
}
