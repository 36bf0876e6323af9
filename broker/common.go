// Copyright 2024-2025 The weave-presence Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broker defines the contract against the external cross-instance
// publish / subscribe service. Delivery is at-most-once per send; the service
// is assumed already horizontally scaled.
package broker

import "context"

// MessageHandler callback invoked with the raw payload of each message
// received on a subscribed topic
type MessageHandler func(payload []byte)

// Subscription a live topic subscription. Close is idempotent from the
// caller's point of view; a second call is a no-op or a logged error.
type Subscription interface {
	// Close dispose of the subscription
	Close() error
}

// PubSub thin client of the external publish / subscribe service
type PubSub interface {
	// Publish send a payload on a topic. The caller bounds the attempt
	// through the context.
	Publish(ctxt context.Context, topic string, payload []byte) error
	// Subscribe open a long lived subscription against a topic. The handler
	// is invoked for every inbound message until the subscription closes.
	Subscribe(topic string, handler MessageHandler) (Subscription, error)
}
