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
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/tnqls0624/weave-presence/common"
)

// sinkConsumer one consumer attached to a multicast sink
type sinkConsumer struct {
	id      string
	updates chan LocationRecord
}

// multicastSink fans one stream of records out to every attached consumer.
// Each consumer owns a bounded buffer; when it overflows, the oldest
// buffered record is dropped so the emitter never blocks. Location updates
// are latest-wins, so shedding stale entries is the correct overflow policy.
type multicastSink struct {
	common.Component
	lock       sync.RWMutex
	closed     bool
	consumers  map[string]*sinkConsumer
	bufferSize int
}

// newMulticastSink define a multicastSink for one topic
func newMulticastSink(topic string, bufferSize int) *multicastSink {
	logTags := log.Fields{
		"module": "presence", "component": "multicast-sink", "topic": topic,
	}
	return &multicastSink{
		Component:  common.Component{LogTags: logTags},
		consumers:  make(map[string]*sinkConsumer),
		bufferSize: bufferSize,
	}
}

// addConsumer attach a new consumer to the sink
func (s *multicastSink) addConsumer() (*sinkConsumer, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, fmt.Errorf("multicast sink already closed")
	}
	consumer := &sinkConsumer{
		id:      uuid.New().String(),
		updates: make(chan LocationRecord, s.bufferSize),
	}
	s.consumers[consumer.id] = consumer
	return consumer, nil
}

// removeConsumer detach a consumer, closing its update stream. A no-op if
// the consumer is already gone.
func (s *multicastSink) removeConsumer(id string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if consumer, ok := s.consumers[id]; ok {
		delete(s.consumers, id)
		close(consumer.updates)
	}
}

// emit deliver a record to every attached consumer
func (s *multicastSink) emit(record LocationRecord) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return
	}
	for _, consumer := range s.consumers {
		select {
		case consumer.updates <- record:
		default:
			// Buffer full. Shed the oldest entry and retry once; if another
			// writer claimed the freed slot, this record is dropped instead.
			select {
			case <-consumer.updates:
			default:
			}
			select {
			case consumer.updates <- record:
			default:
				log.WithFields(s.LogTags).Warnf(
					"Dropped %s for slow consumer %s", record.String(), consumer.id,
				)
			}
		}
	}
}

// closeAll detach every consumer and refuse further attachments
func (s *multicastSink) closeAll() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, consumer := range s.consumers {
		delete(s.consumers, id)
		close(consumer.updates)
	}
}

// consumerCount number of currently attached consumers
func (s *multicastSink) consumerCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.consumers)
}
