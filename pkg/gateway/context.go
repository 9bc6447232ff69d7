package gateway

import "context"

type ctxKey string

const (
	clientIDKey  ctxKey = "clientID"
	eventSinkKey ctxKey = "eventSink"
)

// eventSink receives the streamed events of one request.
type eventSink func(EventMessage)

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientIDKey).(string); ok {
		return value
	}
	return ""
}

func withEventSink(ctx context.Context, sink eventSink) context.Context {
	return context.WithValue(ctx, eventSinkKey, sink)
}

// eventSinkFromContext returns nil for requests that cannot stream, such as /rpc.
func eventSinkFromContext(ctx context.Context) eventSink {
	if ctx == nil {
		return nil
	}
	if sink, ok := ctx.Value(eventSinkKey).(eventSink); ok {
		return sink
	}
	return nil
}
