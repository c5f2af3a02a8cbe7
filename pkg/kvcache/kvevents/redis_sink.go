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
	"context"
	"encoding/binary"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes messages with Redis PUBLISH on the message topic. The
// published value is the big endian sequence number followed by the payload.
type RedisSink struct {
	client *redis.Client
}

var _ Sink = &RedisSink{}

// NewRedisSink connects to the Redis server at address.
func NewRedisSink(ctx context.Context, address string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: address})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", address, err)
	}
	return &RedisSink{client: client}, nil
}

// Publish sends msg on its topic channel.
func (r *RedisSink) Publish(ctx context.Context, msg *Message) error {
	value := make([]byte, 8, 8+len(msg.Payload))
	binary.BigEndian.PutUint64(value, msg.Seq)
	value = append(value, msg.Payload...)

	if err := r.client.Publish(ctx, msg.Topic, value).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close closes the client.
func (r *RedisSink) Close() error {
	return r.client.Close()
}

// SplitRedisValue separates a published value into sequence and payload.
func SplitRedisValue(value []byte) (uint64, []byte, error) {
	if len(value) < 8 {
		return 0, nil, fmt.Errorf("redis event of %d bytes is too short", len(value))
	}
	return binary.BigEndian.Uint64(value[:8]), value[8:], nil
}
