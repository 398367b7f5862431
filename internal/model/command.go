package model

import (
	"fmt"
	"time"
)

// CommandType identifies a command variant
type CommandType string

const (
	// CommandGet reads a single key
	CommandGet CommandType = "get"
	// CommandPut writes a single key
	CommandPut CommandType = "put"
	// CommandPutMap writes a batch of keys
	CommandPutMap CommandType = "put_map"
	// CommandRemove deletes a single key
	CommandRemove CommandType = "remove"
	// CommandReplace overwrites a key only if it is present
	CommandReplace CommandType = "replace"
	// CommandEvict drops a key from memory, passivating it when a store is configured
	CommandEvict CommandType = "evict"
	// CommandInvalidate drops keys a node no longer owns
	CommandInvalidate CommandType = "invalidate"
)

// Command is the immutable value carried through the interceptor pipeline.
// The concrete variants are the only implementations.
type Command interface {
	Type() CommandType
	AffectedKeys() []string
	IsWrite() bool
	command()
}

// GetCommand reads a key
type GetCommand struct {
	Key string
}

// PutCommand stores a value under a key
type PutCommand struct {
	Key         string
	Value       []byte
	Lifespan    time.Duration
	PutIfAbsent bool
}

// PutMapCommand stores a batch of values
type PutMapCommand struct {
	Entries  map[string][]byte
	Lifespan time.Duration
}

// RemoveCommand deletes a key
type RemoveCommand struct {
	Key string
}

// ReplaceCommand overwrites a key when it exists. When Expected is non-nil
// the replacement only happens if the current value matches it.
type ReplaceCommand struct {
	Key      string
	Value    []byte
	Expected []byte
	Lifespan time.Duration
}

// EvictCommand removes a key from memory only
type EvictCommand struct {
	Key string
}

// InvalidateCommand removes keys that are no longer owned locally
type InvalidateCommand struct {
	Keys []string
}

func (c *GetCommand) Type() CommandType        { return CommandGet }
func (c *PutCommand) Type() CommandType        { return CommandPut }
func (c *PutMapCommand) Type() CommandType     { return CommandPutMap }
func (c *RemoveCommand) Type() CommandType     { return CommandRemove }
func (c *ReplaceCommand) Type() CommandType    { return CommandReplace }
func (c *EvictCommand) Type() CommandType      { return CommandEvict }
func (c *InvalidateCommand) Type() CommandType { return CommandInvalidate }

func (c *GetCommand) AffectedKeys() []string     { return []string{c.Key} }
func (c *PutCommand) AffectedKeys() []string     { return []string{c.Key} }
func (c *RemoveCommand) AffectedKeys() []string  { return []string{c.Key} }
func (c *ReplaceCommand) AffectedKeys() []string { return []string{c.Key} }
func (c *EvictCommand) AffectedKeys() []string   { return []string{c.Key} }

func (c *InvalidateCommand) AffectedKeys() []string {
	keys := make([]string, len(c.Keys))
	copy(keys, c.Keys)
	return keys
}

// AffectedKeys returns the keys of the batch
func (c *PutMapCommand) AffectedKeys() []string {
	keys := make([]string, 0, len(c.Entries))
	for k := range c.Entries {
		keys = append(keys, k)
	}
	return keys
}

func (c *GetCommand) IsWrite() bool        { return false }
func (c *PutCommand) IsWrite() bool        { return true }
func (c *PutMapCommand) IsWrite() bool     { return true }
func (c *RemoveCommand) IsWrite() bool     { return true }
func (c *ReplaceCommand) IsWrite() bool    { return true }
func (c *EvictCommand) IsWrite() bool      { return false }
func (c *InvalidateCommand) IsWrite() bool { return false }

func (*GetCommand) command()        {}
func (*PutCommand) command()        {}
func (*PutMapCommand) command()     {}
func (*RemoveCommand) command()     {}
func (*ReplaceCommand) command()    {}
func (*EvictCommand) command()      {}
func (*InvalidateCommand) command() {}

// WriteRecord is the wire form of a logged write, replayed on new owners
// after state transfer.
type WriteRecord struct {
	Type     CommandType       `codec:"type"`
	Key      string            `codec:"key,omitempty"`
	Value    []byte            `codec:"value,omitempty"`
	Expected []byte            `codec:"expected,omitempty"`
	Entries  map[string][]byte `codec:"entries,omitempty"`
	Lifespan time.Duration     `codec:"lifespan,omitempty"`
	IfAbsent bool              `codec:"if_absent,omitempty"`
}

// NewWriteRecord captures a write command for the transaction log
func NewWriteRecord(cmd Command) (WriteRecord, error) {
	switch c := cmd.(type) {
	case *PutCommand:
		return WriteRecord{Type: CommandPut, Key: c.Key, Value: c.Value, Lifespan: c.Lifespan, IfAbsent: c.PutIfAbsent}, nil
	case *PutMapCommand:
		return WriteRecord{Type: CommandPutMap, Entries: c.Entries, Lifespan: c.Lifespan}, nil
	case *RemoveCommand:
		return WriteRecord{Type: CommandRemove, Key: c.Key}, nil
	case *ReplaceCommand:
		return WriteRecord{Type: CommandReplace, Key: c.Key, Value: c.Value, Expected: c.Expected, Lifespan: c.Lifespan}, nil
	default:
		return WriteRecord{}, fmt.Errorf("command %s is not a write", cmd.Type())
	}
}

// Command rebuilds the command value from its record
func (r WriteRecord) Command() (Command, error) {
	switch r.Type {
	case CommandPut:
		return &PutCommand{Key: r.Key, Value: r.Value, Lifespan: r.Lifespan, PutIfAbsent: r.IfAbsent}, nil
	case CommandPutMap:
		return &PutMapCommand{Entries: r.Entries, Lifespan: r.Lifespan}, nil
	case CommandRemove:
		return &RemoveCommand{Key: r.Key}, nil
	case CommandReplace:
		return &ReplaceCommand{Key: r.Key, Value: r.Value, Expected: r.Expected, Lifespan: r.Lifespan}, nil
	default:
		return nil, fmt.Errorf("unknown write record type %q", r.Type)
	}
}

// Keys returns the keys touched by the record
func (r WriteRecord) Keys() []string {
	if r.Type == CommandPutMap {
		keys := make([]string, 0, len(r.Entries))
		for k := range r.Entries {
			keys = append(keys, k)
		}
		return keys
	}
	return []string{r.Key}
}
