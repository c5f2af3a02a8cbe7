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

package eviction

import (
	"errors"
	"fmt"
	"strings"
)

// Policy selects the ranking rule used to pick eviction victims.
// The numeric values are part of the pool file format.
type Policy uint8

const (
	// LRU evicts the least recently accessed entry first.
	LRU Policy = iota
	// LFU evicts the least frequently accessed entry first.
	LFU
	// FIFO evicts the oldest entry first, ignoring accesses.
	FIFO
	// Priority evicts the entry with the lowest priority first.
	Priority
)

// ErrUnknownPolicy is returned when a policy name or value is not recognized.
var ErrUnknownPolicy = errors.New("unknown eviction policy")

var policyNames = [...]string{
	LRU:      "lru",
	LFU:      "lfu",
	FIFO:     "fifo",
	Priority: "priority",
}

// Policies returns every supported policy in enum order.
func Policies() []Policy {
	return []Policy{LRU, LFU, FIFO, Priority}
}

// Valid reports whether p is one of the defined policies.
func (p Policy) Valid() bool {
	return int(p) < len(policyNames)
}

func (p Policy) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Policy(%d)", uint8(p))
	}
	return policyNames[p]
}

// ParsePolicy converts a case-insensitive policy name into a Policy.
func ParsePolicy(s string) (Policy, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for p, n := range policyNames {
		if n == name {
			return Policy(p), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPolicy, uint8(p))
	}
	return []byte(policyNames[p]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
