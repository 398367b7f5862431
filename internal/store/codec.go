package store

import (
	"fmt"
	"time"

	"github.com/devrev/distcache/internal/model"
	"github.com/hashicorp/go-msgpack/codec"
)

// storedEntry is the persisted form of an entry in remote stores
type storedEntry struct {
	Value      []byte `codec:"v"`
	LifespanNs int64  `codec:"l"`
	CreatedNs  int64  `codec:"c"`
}

var msgpackHandle codec.MsgpackHandle

func encodeEntry(entry *model.CacheEntry) ([]byte, error) {
	se := storedEntry{
		Value:      entry.Value,
		LifespanNs: int64(entry.Lifespan),
		CreatedNs:  entry.CreatedAt.UnixNano(),
	}
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &msgpackHandle).Encode(&se); err != nil {
		return nil, fmt.Errorf("failed to encode entry %s: %w", entry.Key, err)
	}
	return buf, nil
}

func decodeEntry(key string, data []byte) (*model.CacheEntry, error) {
	var se storedEntry
	if err := codec.NewDecoderBytes(data, &msgpackHandle).Decode(&se); err != nil {
		return nil, fmt.Errorf("failed to decode entry %s: %w", key, err)
	}
	return &model.CacheEntry{
		Key:       key,
		Value:     se.Value,
		Lifespan:  time.Duration(se.LifespanNs),
		CreatedAt: time.Unix(0, se.CreatedNs),
	}, nil
}
