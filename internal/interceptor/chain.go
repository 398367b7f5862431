// Package interceptor implements the command pipeline of a cache node.
// Each stage sees the immutable command, may act before and after the rest
// of the chain, and the terminal stage applies it to the data container.
package interceptor

import (
	"context"

	"github.com/devrev/distcache/internal/model"
)

// Result is the outcome of a command
type Result struct {
	// Value is the value read, or the previous value for writes
	Value []byte
	// Found reports whether the key held a value before the command
	Found bool
	// Applied reports whether a conditional write took effect
	Applied bool
}

// Handler processes a command
type Handler interface {
	Handle(ctx context.Context, ictx *model.InvocationContext, cmd model.Command) (*Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, ictx *model.InvocationContext, cmd model.Command) (*Result, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, ictx *model.InvocationContext, cmd model.Command) (*Result, error) {
	return f(ctx, ictx, cmd)
}

// Interceptor is a pipeline stage. It decides whether and when to call next.
type Interceptor interface {
	Intercept(ctx context.Context, ictx *model.InvocationContext, cmd model.Command, next Handler) (*Result, error)
}

// Chain is a linear pipeline ending in a terminal handler
type Chain struct {
	head Handler
}

// NewChain builds a pipeline; the first interceptor is the outermost
func NewChain(terminal Handler, interceptors ...Interceptor) *Chain {
	head := terminal
	for i := len(interceptors) - 1; i >= 0; i-- {
		head = bind(interceptors[i], head)
	}
	return &Chain{head: head}
}

func bind(i Interceptor, next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, ictx *model.InvocationContext, cmd model.Command) (*Result, error) {
		return i.Intercept(ctx, ictx, cmd, next)
	})
}

// Invoke runs cmd through the pipeline
func (c *Chain) Invoke(ctx context.Context, ictx *model.InvocationContext, cmd model.Command) (*Result, error) {
	if ictx == nil {
		ictx = model.NewInvocationContext()
	}
	return c.head.Handle(ctx, ictx, cmd)
}
