package oauth

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("atproto/auth/oauth")

// records the error kind on the span and result counter label
func finishSpan(span trace.Span, err error) string {
	if err != nil {
		kind := ErrorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		return kind
	}
	return "ok"
}
