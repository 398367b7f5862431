package algorithm

import (
	"fmt"

	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/model"
	"github.com/hashicorp/go-msgpack/codec"
)

// CodecVersion is the current wire version of an encoded hash
const CodecVersion uint8 = 1

// hashEnvelope is the wire form of a ConsistentHash
type hashEnvelope struct {
	Version        uint8         `codec:"v"`
	Kind           Kind          `codec:"kind"`
	Members        []string      `codec:"members,omitempty"`
	NumOwners      int           `codec:"num_owners,omitempty"`
	VirtualNodes   int           `codec:"virtual_nodes,omitempty"`
	PartitionCount int           `codec:"partition_count,omitempty"`
	Old            *hashEnvelope `codec:"old,omitempty"`
	New            *hashEnvelope `codec:"new,omitempty"`
}

var msgpackHandle codec.MsgpackHandle

// Marshal encodes a hash as (members, owners) for plain hashes or
// (old, new) for unions.
func Marshal(ch ConsistentHash) ([]byte, error) {
	env, err := toEnvelope(ch)
	if err != nil {
		return nil, err
	}
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &msgpackHandle).Encode(env); err != nil {
		return nil, fmt.Errorf("failed to encode consistent hash: %w", err)
	}
	return buf, nil
}

// Unmarshal decodes a hash written by Marshal
func Unmarshal(data []byte) (ConsistentHash, error) {
	var env hashEnvelope
	if err := codec.NewDecoderBytes(data, &msgpackHandle).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode consistent hash: %w", err)
	}
	return fromEnvelope(&env)
}

func toEnvelope(ch ConsistentHash) (*hashEnvelope, error) {
	switch h := ch.(type) {
	case *DefaultConsistentHash:
		return &hashEnvelope{
			Version:      CodecVersion,
			Kind:         KindRing,
			Members:      model.AddressStrings(h.members),
			NumOwners:    h.numOwners,
			VirtualNodes: h.virtualNodes,
		}, nil
	case *PartitionConsistentHash:
		return &hashEnvelope{
			Version:        CodecVersion,
			Kind:           KindPartition,
			Members:        model.AddressStrings(h.members),
			NumOwners:      h.numOwners,
			PartitionCount: h.partitionCount,
		}, nil
	case *UnionConsistentHash:
		oldEnv, err := toEnvelope(h.oldCH)
		if err != nil {
			return nil, err
		}
		newEnv, err := toEnvelope(h.newCH)
		if err != nil {
			return nil, err
		}
		return &hashEnvelope{
			Version: CodecVersion,
			Kind:    KindUnion,
			Old:     oldEnv,
			New:     newEnv,
		}, nil
	default:
		return nil, errors.Unsupported(fmt.Sprintf("encoding %T", ch))
	}
}

func fromEnvelope(env *hashEnvelope) (ConsistentHash, error) {
	if env.Version != CodecVersion {
		return nil, errors.InvalidArgument(fmt.Sprintf("unsupported consistent hash version %d", env.Version), nil)
	}
	switch env.Kind {
	case KindRing:
		if env.NumOwners <= 0 {
			return nil, errors.InvalidArgument("encoded hash has no owner count", nil)
		}
		return NewDefaultConsistentHash(model.ParseAddresses(env.Members), env.NumOwners, env.VirtualNodes), nil
	case KindPartition:
		if env.NumOwners <= 0 {
			return nil, errors.InvalidArgument("encoded hash has no owner count", nil)
		}
		return NewPartitionConsistentHash(model.ParseAddresses(env.Members), env.NumOwners, env.PartitionCount), nil
	case KindUnion:
		if env.Old == nil || env.New == nil {
			return nil, errors.InvalidArgument("encoded union is missing a constituent", nil)
		}
		if env.Old.Kind == KindUnion || env.New.Kind == KindUnion {
			return nil, errors.Configuration("encoded union wraps another union", nil)
		}
		oldCH, err := fromEnvelope(env.Old)
		if err != nil {
			return nil, err
		}
		newCH, err := fromEnvelope(env.New)
		if err != nil {
			return nil, err
		}
		union, err := NewUnionConsistentHash(oldCH, newCH)
		if err != nil {
			return nil, err
		}
		return union, nil
	default:
		return nil, errors.InvalidArgument(fmt.Sprintf("unknown consistent hash kind %q", env.Kind), nil)
	}
}
