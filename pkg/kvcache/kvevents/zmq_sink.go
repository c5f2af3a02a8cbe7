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
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// lingerTimeout bounds how long Close waits for queued frames.
const lingerTimeout = time.Second

// ZMQSink publishes messages on a ZMQ PUB socket connected to a subscriber
// that binds the endpoint. Each message is sent as three frames: topic,
// big endian sequence number and payload.
type ZMQSink struct {
	mu       sync.Mutex
	socket   *zmq.Socket
	endpoint string
}

var _ Sink = &ZMQSink{}

// NewZMQSink connects a PUB socket to endpoint.
func NewZMQSink(endpoint string) (*ZMQSink, error) {
	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher socket: %w", err)
	}

	if err := pub.SetLinger(lingerTimeout); err != nil {
		pub.Close()
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}

	if err := pub.Connect(endpoint); err != nil {
		pub.Close()
		return nil, fmt.Errorf("failed to connect publisher socket to %s: %w", endpoint, err)
	}

	return &ZMQSink{socket: pub, endpoint: endpoint}, nil
}

// Publish sends msg. ZMQ sockets are not thread safe, so sends are serialized.
func (z *ZMQSink) Publish(_ context.Context, msg *Message) error {
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, msg.Seq)

	z.mu.Lock()
	defer z.mu.Unlock()

	if z.socket == nil {
		return fmt.Errorf("zmq sink for %s is closed", z.endpoint)
	}
	if _, err := z.socket.SendMessage(msg.Topic, seq, msg.Payload); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", z.endpoint, err)
	}
	return nil
}

// Close closes the socket.
func (z *ZMQSink) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}
