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

package presence

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tnqls0624/weave-presence/broker"
)

// stubPubSub is a counting in-process stand-in for the external broker
type stubPubSub struct {
	lock           sync.Mutex
	handlers       map[string][]broker.MessageHandler
	subscribeCount atomic.Int32
	publishCount   atomic.Int32
	closeCount     atomic.Int32
	// echo deliver published payloads back to this instance's handlers,
	// like a real broker would
	echo bool
	// publishErr force Publish failures
	publishErr error
	// subscribeErr force Subscribe failures
	subscribeErr error
	// subscribeEntered when set, Subscribe announces itself here on entry
	subscribeEntered chan struct{}
	// subscribeBarrier when set, Subscribe blocks here before returning
	subscribeBarrier chan struct{}
}

func newStubPubSub(echo bool) *stubPubSub {
	return &stubPubSub{handlers: make(map[string][]broker.MessageHandler), echo: echo}
}

func (s *stubPubSub) Publish(ctxt context.Context, topic string, payload []byte) error {
	s.publishCount.Add(1)
	if s.publishErr != nil {
		return s.publishErr
	}
	if s.echo {
		s.deliver(topic, payload)
	}
	return nil
}

type stubSubscription struct {
	parent *stubPubSub
	topic  string
}

func (s *stubSubscription) Close() error {
	s.parent.lock.Lock()
	defer s.parent.lock.Unlock()
	s.parent.closeCount.Add(1)
	delete(s.parent.handlers, s.topic)
	return nil
}

func (s *stubPubSub) Subscribe(topic string, handler broker.MessageHandler) (
	broker.Subscription, error,
) {
	if s.subscribeEntered != nil {
		s.subscribeEntered <- struct{}{}
	}
	if s.subscribeBarrier != nil {
		<-s.subscribeBarrier
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.subscribeCount.Add(1)
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	s.handlers[topic] = append(s.handlers[topic], handler)
	return &stubSubscription{parent: s, topic: topic}, nil
}

// deliver inject an inbound broker message
func (s *stubPubSub) deliver(topic string, payload []byte) {
	s.lock.Lock()
	handlers := make([]broker.MessageHandler, len(s.handlers[topic]))
	copy(handlers, s.handlers[topic])
	s.lock.Unlock()
	for _, handler := range handlers {
		handler(payload)
	}
}
