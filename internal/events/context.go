package events

import (
	"context"

	"github.com/dohr-michael/shellkernel/internal/protocol"
)

type parentKey struct{}

// ContextWithParent returns a new context carrying the header of the request
// being served.
func ContextWithParent(ctx context.Context, parent *protocol.Header) context.Context {
	return context.WithValue(ctx, parentKey{}, parent)
}

// ParentFromContext extracts the request header from the context, or nil if
// absent.
func ParentFromContext(ctx context.Context) *protocol.Header {
	if h, ok := ctx.Value(parentKey{}).(*protocol.Header); ok {
		return h
	}
	return nil
}

// SessionIDFromContext returns the session of the request being served, or
// "" if absent.
func SessionIDFromContext(ctx context.Context) string {
	if h := ParentFromContext(ctx); h != nil {
		return h.Session
	}
	return ""
}
