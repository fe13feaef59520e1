package context

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	accountIDKey
	scanRequestIDKey
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

func AccountIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(accountIDKey).(string)
	return v
}

// WithScanRequestID tags the context with the scan idempotency key, which is
// distinct from the HTTP request id.
func WithScanRequestID(ctx context.Context, scanRequestID string) context.Context {
	return context.WithValue(ctx, scanRequestIDKey, scanRequestID)
}

func ScanRequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(scanRequestIDKey).(string)
	return v
}
