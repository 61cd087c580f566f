package tracing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()

	assert.True(t, strings.HasPrefix(a, "req_"))
	assert.Len(t, a, len("req_")+36)
	assert.NotEqual(t, a, b)
}

func TestContextValues(t *testing.T) {
	start := time.Now().Add(-time.Second)
	ctx := context.Background()
	ctx = WithRequestID(ctx, "req_1")
	ctx = WithTraceID(ctx, "trace")
	ctx = WithSpanID(ctx, "span")
	ctx = WithStartTime(ctx, start)

	info := GetRequestInfo(ctx)
	assert.Equal(t, "req_1", info.RequestID)
	assert.Equal(t, "trace", info.TraceID)
	assert.Equal(t, "span", info.SpanID)
	assert.Equal(t, start, info.StartTime)
	assert.GreaterOrEqual(t, Duration(ctx), time.Second)
}

func TestContextValues_Missing(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetSpanID(ctx))
	assert.True(t, GetStartTime(ctx).IsZero())
	assert.Zero(t, Duration(ctx))
}

func TestContextValues_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), RequestIDKey, 42)
	assert.Empty(t, GetRequestID(ctx))
}
