package otel

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// DBSpan 为一条 SQL 创建 client span，span 名取语句的第一个关键字
func DBSpan(ctx context.Context, query string) (context.Context, trace.Span) {
	op := "query"
	if fields := strings.Fields(query); len(fields) > 0 {
		op = strings.ToLower(fields[0])
	}
	return Tracer().Start(ctx, "db."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			attribute.String("db.operation", op),
			attribute.String("db.statement", query),
		),
	)
}

// EndDBSpan 结束 SQL span，ErrNoRows 不算错误
func EndDBSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
