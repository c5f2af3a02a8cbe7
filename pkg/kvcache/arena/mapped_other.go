//go:build !unix

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

package arena

import "errors"

var errNoMmap = errors.New("arena: memory mapping is not supported on this platform")

// SharedMemoryFactory is unavailable on this platform.
type SharedMemoryFactory struct {
	Dir string
}

// Open always fails.
func (SharedMemoryFactory) Open(string, int64) (ByteArena, error) {
	return nil, errNoMmap
}

// Remove is a no-op.
func (SharedMemoryFactory) Remove(string) error {
	return nil
}

// AnonymousFactory is unavailable on this platform.
type AnonymousFactory struct{}

// Open always fails.
func (AnonymousFactory) Open(string, int64) (ByteArena, error) {
	return nil, errNoMmap
}

// Remove is a no-op.
func (AnonymousFactory) Remove(string) error {
	return nil
}
