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

// Package kvevents publishes the KV-cache state changes of local pools as
// vLLM-compatible KV events. A Publisher listens to pools, encodes every
// stored or removed entry into a msgpack EventBatch and hands it to a Sink,
// which delivers it over ZMQ PUB or Redis PUBLISH on the topic
// "kv@<pod-identifier>@<pool-name>". Events of one pool are delivered in
// order.
package kvevents
