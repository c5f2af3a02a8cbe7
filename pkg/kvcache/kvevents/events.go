/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvevents

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// BlockStoredEventTag is the tag for BlockStored events.
	BlockStoredEventTag = "BlockStored"
	// BlockRemovedEventTag is the tag for BlockRemoved events.
	BlockRemovedEventTag = "BlockRemoved"
	// AllBlocksClearedEventTag is the tag for AllBlocksCleared events.
	AllBlocksClearedEventTag = "AllBlocksCleared"
)

// Event is a KV-cache event in vLLM's tagged union layout.
type Event interface {
	isEvent()
	ToTaggedUnion() []any
}

// EventBatch represents a batch of events.
// It is encoded as an array to match vLLM's format.
type EventBatch struct {
	_                struct{} `msgpack:",array"`
	TS               float64
	Events           []msgpack.RawMessage
	DataParallelRank *int `msgpack:",omitempty"`
}

// BlockStored announces that a pool holds new blocks.
type BlockStored struct {
	_               struct{} `msgpack:",array"`
	BlockHashes     []uint64
	ParentBlockHash *uint64
	TokenIds        []uint32
	BlockSize       int
	LoraID          *int
}

func (bs BlockStored) ToTaggedUnion() []any {
	return []any{
		BlockStoredEventTag,
		bs.BlockHashes,
		bs.ParentBlockHash,
		bs.TokenIds,
		bs.BlockSize,
		bs.LoraID,
	}
}

func (BlockStored) isEvent() {}

// BlockRemoved announces that blocks left a pool.
type BlockRemoved struct {
	_           struct{} `msgpack:",array"`
	BlockHashes []uint64
}

func (br BlockRemoved) ToTaggedUnion() []any {
	return []any{
		BlockRemovedEventTag,
		br.BlockHashes,
	}
}

func (BlockRemoved) isEvent() {}

// AllBlocksCleared announces that a pool dropped every block.
type AllBlocksCleared struct {
	_ struct{} `msgpack:",array"`
}

func (ac AllBlocksCleared) ToTaggedUnion() []any {
	return []any{
		AllBlocksClearedEventTag,
	}
}

func (AllBlocksCleared) isEvent() {}

// EncodeBatch serializes events into a msgpack EventBatch stamped with ts
// seconds.
func EncodeBatch(ts float64, events ...Event) ([]byte, error) {
	batch := EventBatch{TS: ts, Events: make([]msgpack.RawMessage, 0, len(events))}
	for _, ev := range events {
		raw, err := msgpack.Marshal(ev.ToTaggedUnion())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		batch.Events = append(batch.Events, raw)
	}

	payload, err := msgpack.Marshal(&batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event batch: %w", err)
	}
	return payload, nil
}

// DecodeBatch parses a msgpack EventBatch. Events with unknown tags are
// skipped.
func DecodeBatch(payload []byte) (float64, []Event, error) {
	var batch EventBatch
	if err := msgpack.Unmarshal(payload, &batch); err != nil {
		return 0, nil, fmt.Errorf("failed to unmarshal event batch: %w", err)
	}

	events := make([]Event, 0, len(batch.Events))
	for _, rawEvent := range batch.Events {
		var taggedUnion []msgpack.RawMessage
		if err := msgpack.Unmarshal(rawEvent, &taggedUnion); err != nil {
			return 0, nil, fmt.Errorf("failed to unmarshal tagged union: %w", err)
		}
		if len(taggedUnion) < 1 {
			return 0, nil, fmt.Errorf("malformed tagged union with no tag element")
		}

		var tag string
		if err := msgpack.Unmarshal(taggedUnion[0], &tag); err != nil {
			return 0, nil, fmt.Errorf("failed to unmarshal event tag: %w", err)
		}

		// re-marshal the tail into a payload array
		payloadBytes, err := msgpack.Marshal(taggedUnion[1:])
		if err != nil {
			return 0, nil, fmt.Errorf("failed to re-marshal event parts: %w", err)
		}

		var ev Event
		var unmarshalErr error
		switch tag {
		case BlockStoredEventTag:
			var bs BlockStored
			unmarshalErr = msgpack.Unmarshal(payloadBytes, &bs)
			ev = bs
		case BlockRemovedEventTag:
			var br BlockRemoved
			unmarshalErr = msgpack.Unmarshal(payloadBytes, &br)
			ev = br
		case AllBlocksClearedEventTag:
			ev = AllBlocksCleared{}
		default:
			continue
		}
		if unmarshalErr != nil {
			return 0, nil, fmt.Errorf("failed to unmarshal %s event: %w", tag, unmarshalErr)
		}
		events = append(events, ev)
	}
	return batch.TS, events, nil
}
