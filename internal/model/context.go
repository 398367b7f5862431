package model

import "github.com/google/uuid"

// Flag alters how a command travels through the pipeline
type Flag uint32

const (
	// FlagSkipCacheLoad bypasses the store on a memory miss
	FlagSkipCacheLoad Flag = 1 << iota
	// FlagSkipCacheStore leaves the store untouched by writes
	FlagSkipCacheStore
	// FlagCacheModeLocal keeps the command on this node
	FlagCacheModeLocal
	// FlagSkipOwnershipCheck applies the command regardless of locality
	FlagSkipOwnershipCheck
	// FlagSkipTxLog keeps the write out of the transaction log
	FlagSkipTxLog
)

// InvocationContext carries per-invocation state through the pipeline
type InvocationContext struct {
	ID          string
	Flags       Flag
	OriginLocal bool
	Origin      Address
}

// NewInvocationContext creates a context for a locally originated command
func NewInvocationContext(flags ...Flag) *InvocationContext {
	ctx := &InvocationContext{
		ID:          uuid.New().String(),
		OriginLocal: true,
	}
	for _, f := range flags {
		ctx.Flags |= f
	}
	return ctx
}

// NewRemoteInvocationContext creates a context for a command that arrived from origin
func NewRemoteInvocationContext(origin Address, flags ...Flag) *InvocationContext {
	ctx := NewInvocationContext(flags...)
	ctx.OriginLocal = false
	ctx.Origin = origin
	return ctx
}

// HasFlag reports whether f is set
func (c *InvocationContext) HasFlag(f Flag) bool {
	return c != nil && c.Flags&f != 0
}
