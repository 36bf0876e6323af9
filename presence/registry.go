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
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/tnqls0624/weave-presence/broker"
	"github.com/tnqls0624/weave-presence/common"
)

// Subscription is one live consumer of a topic's location stream
type Subscription interface {
	// Updates the stream of location records. The channel closes when the
	// subscription ends, whether by Close or by channel removal.
	Updates() <-chan LocationRecord
	// Close end the subscription. Safe to call more than once and
	// concurrently with stream termination; the subscriber count is
	// released exactly once.
	Close()
}

// RegistryStatus a read-only snapshot of registry state for monitoring
type RegistryStatus struct {
	// Channels number of active channels on this instance
	Channels int `json:"channels"`
	// BrokerSubscriptions number of open broker subscriptions
	BrokerSubscriptions int `json:"broker_subscriptions"`
	// Subscribers per-topic local subscriber counts
	Subscribers map[string]int32 `json:"subscribers"`
}

// ChannelRegistry owns the topic to channel mapping on this instance. It
// multiplexes local subscribers onto one multicast stream per topic, and
// lazily bridges each stream to the cross-instance broker so an update
// published anywhere reaches subscribers everywhere.
type ChannelRegistry interface {
	// Publish broadcast a record on a topic. Best-effort and asynchronous:
	// broker errors are logged, never surfaced. If this instance hosts a
	// channel for the topic, the record is also delivered to its local
	// subscribers directly.
	Publish(ctxt context.Context, topic string, record LocationRecord)
	// Subscribe attach a new subscriber to a topic's stream, creating the
	// channel and its broker subscription if this is the topic's first
	// local subscriber
	Subscribe(ctxt context.Context, topic string) (Subscription, error)
	// ForceRemove synchronously dispose of a topic's broker subscription
	// and drop all registry state for it, terminating any attached
	// subscriber streams
	ForceRemove(topic string) error
	// SweepIdle remove every channel which has no subscribers and no
	// activity within the idle timeout
	SweepIdle() error
	// Status a read-only snapshot of registry state
	Status() RegistryStatus
	// Close force-remove every channel. For process shutdown.
	Close()
}

// ChannelRegistryConfig parameters controlling a channel registry
type ChannelRegistryConfig struct {
	// SinkBuffer per-subscriber buffered record count
	SinkBuffer int `validate:"gte=1"`
	// BrokerSendTimeout bound on one broker publish attempt
	BrokerSendTimeout time.Duration
	// IdleTimeout how long a channel with no subscribers is retained
	IdleTimeout time.Duration
}

// presenceChannel process-local bookkeeping for one topic
type presenceChannel struct {
	common.Component
	topic string
	sink  *multicastSink
	// bridgeOnce guards the broker subscription open: exactly one open
	// attempt per channel lifetime, even under concurrent first-subscribers
	bridgeOnce sync.Once
	lock       sync.Mutex
	// removed set once the channel is unlinked from the registry. A bridge
	// open completing after that point must discard its subscription.
	removed      bool
	brokerSub    broker.Subscription
	subscribers  atomic.Int32
	lastActivity atomic.Int64
}

// touch update the channel's last activity timestamp
func (c *presenceChannel) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// lastActive the channel's last activity timestamp
func (c *presenceChannel) lastActive() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// hasBrokerSub whether the channel holds an open broker subscription
func (c *presenceChannel) hasBrokerSub() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.brokerSub != nil
}

// disposeBrokerSub mark the channel removed and close its broker
// subscription. A bridge open still in flight sees the removed flag and
// discards the subscription it produces.
func (c *presenceChannel) disposeBrokerSub() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.removed = true
	if c.brokerSub != nil {
		if err := c.brokerSub.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Broker unsubscribe failed")
		}
		c.brokerSub = nil
	}
}

// channelRegistryImpl implements ChannelRegistry
type channelRegistryImpl struct {
	common.Component
	pubsub broker.PubSub
	config ChannelRegistryConfig
	// channels topic => *presenceChannel. LoadOrStore gives the atomic
	// create-if-absent needed under concurrent first-subscribers.
	channels sync.Map
	wg       *sync.WaitGroup
}

// GetChannelRegistry define a new ChannelRegistry
func GetChannelRegistry(
	pubsub broker.PubSub, config ChannelRegistryConfig, wg *sync.WaitGroup,
) (ChannelRegistry, error) {
	logTags := log.Fields{
		"module": "presence", "component": "channel-registry",
	}
	return &channelRegistryImpl{
		Component: common.Component{LogTags: logTags},
		pubsub:    pubsub,
		config:    config,
		wg:        wg,
	}, nil
}

// getOrCreateChannel fetch the channel for a topic, creating it and opening
// its broker subscription on first use
func (r *channelRegistryImpl) getOrCreateChannel(topic string) *presenceChannel {
	candidate := &presenceChannel{
		Component: common.Component{LogTags: log.Fields{
			"module": "presence", "component": "channel", "topic": topic,
		}},
		topic: topic,
		sink:  newMulticastSink(topic, r.config.SinkBuffer),
	}
	candidate.touch()
	value, loaded := r.channels.LoadOrStore(topic, candidate)
	channel := value.(*presenceChannel)
	if !loaded {
		log.WithFields(channel.LogTags).Info("Created channel")
	}
	// Open the broker bridge for the winner. On failure the channel still
	// serves same-instance subscribers; a broker outage degrades delivery,
	// it does not break it.
	channel.bridgeOnce.Do(func() {
		sub, err := r.pubsub.Subscribe(topic, func(payload []byte) {
			var record LocationRecord
			if err := json.Unmarshal(payload, &record); err != nil {
				log.WithError(err).WithFields(channel.LogTags).Error(
					"Skipping undecodable broker message",
				)
				return
			}
			channel.touch()
			channel.sink.emit(record)
		})
		if err != nil {
			log.WithError(err).WithFields(channel.LogTags).Error(
				"Broker subscription failed; serving local subscribers only",
			)
			return
		}
		channel.lock.Lock()
		if channel.removed {
			// Force-removed while the subscribe was in flight. The channel is
			// already unlinked, so this subscription would never be disposed.
			channel.lock.Unlock()
			log.WithFields(channel.LogTags).Info(
				"Channel removed during broker subscribe; discarding subscription",
			)
			if err := sub.Close(); err != nil {
				log.WithError(err).WithFields(channel.LogTags).Error("Broker unsubscribe failed")
			}
			return
		}
		channel.brokerSub = sub
		channel.lock.Unlock()
	})
	return channel
}

// Publish broadcast a record on a topic
func (r *channelRegistryImpl) Publish(ctxt context.Context, topic string, record LocationRecord) {
	payload, err := json.Marshal(&record)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to serialize %s for topic %s", record.String(), topic,
		)
		return
	}

	// Same-instance subscribers get the record directly instead of waiting
	// on the broker round-trip. Runs concurrently with the broker send;
	// duplicate delivery through the broker echo is tolerated by consumers.
	if value, ok := r.channels.Load(topic); ok {
		channel := value.(*presenceChannel)
		channel.touch()
		channel.sink.emit(record)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		sendCtxt, cancel := context.WithTimeout(context.Background(), r.config.BrokerSendTimeout)
		defer cancel()
		if err := r.pubsub.Publish(sendCtxt, topic, payload); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Abandoned broker send of %s on %s", record.String(), topic,
			)
		}
	}()
}

// channelSubscription implements Subscription
type channelSubscription struct {
	registry  *channelRegistryImpl
	channel   *presenceChannel
	consumer  *sinkConsumer
	closeOnce sync.Once
	done      chan struct{}
}

// Updates the stream of location records
func (s *channelSubscription) Updates() <-chan LocationRecord {
	return s.consumer.updates
}

// Close end the subscription, releasing the subscriber count exactly once
func (s *channelSubscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.channel.sink.removeConsumer(s.consumer.id)
		s.channel.subscribers.Add(-1)
		s.channel.touch()
		log.WithFields(s.channel.LogTags).Debugf(
			"Subscriber %s detached, %d remain", s.consumer.id, s.channel.subscribers.Load(),
		)
	})
}

// Subscribe attach a new subscriber to a topic's stream
func (r *channelRegistryImpl) Subscribe(ctxt context.Context, topic string) (Subscription, error) {
	channel := r.getOrCreateChannel(topic)
	consumer, err := channel.sink.addConsumer()
	if err != nil {
		// The channel was force-removed between lookup and attach. Retry
		// against a fresh channel; the stale entry is already unlinked.
		channel = r.getOrCreateChannel(topic)
		consumer, err = channel.sink.addConsumer()
		if err != nil {
			log.WithError(err).WithFields(channel.LogTags).Error("Unable to attach subscriber")
			return nil, err
		}
	}
	channel.subscribers.Add(1)
	channel.touch()
	log.WithFields(channel.LogTags).Debugf(
		"Subscriber %s attached, %d total", consumer.id, channel.subscribers.Load(),
	)

	subscription := &channelSubscription{
		registry: r,
		channel:  channel,
		consumer: consumer,
		done:     make(chan struct{}),
	}

	// Propagate caller cancellation into the subscription
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-ctxt.Done():
			subscription.Close()
		case <-subscription.done:
		}
	}()

	return subscription, nil
}

// ForceRemove synchronously drop all registry state for a topic
func (r *channelRegistryImpl) ForceRemove(topic string) error {
	value, ok := r.channels.LoadAndDelete(topic)
	if !ok {
		// Unknown topic is not an error; there is simply nothing to remove
		return nil
	}
	channel := value.(*presenceChannel)
	channel.disposeBrokerSub()
	channel.sink.closeAll()
	log.WithFields(channel.LogTags).Info("Removed channel")
	return nil
}

// SweepIdle remove channels with no subscribers and no recent activity.
// Operates on a point-in-time snapshot of the registry entries.
func (r *channelRegistryImpl) SweepIdle() error {
	type channelEntry struct {
		topic   string
		channel *presenceChannel
	}
	var entries []channelEntry
	r.channels.Range(func(key, value interface{}) bool {
		entries = append(entries, channelEntry{
			topic: key.(string), channel: value.(*presenceChannel),
		})
		return true
	})

	now := time.Now()
	for _, entry := range entries {
		if entry.channel.subscribers.Load() > 0 {
			continue
		}
		idleFor := now.Sub(entry.channel.lastActive())
		if idleFor <= r.config.IdleTimeout {
			continue
		}
		log.WithFields(entry.channel.LogTags).Infof(
			"Reaping channel idle for %s", idleFor,
		)
		if err := r.ForceRemove(entry.topic); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to reap channel %s", entry.topic,
			)
		}
	}
	return nil
}

// Status a read-only snapshot of registry state
func (r *channelRegistryImpl) Status() RegistryStatus {
	status := RegistryStatus{Subscribers: map[string]int32{}}
	r.channels.Range(func(key, value interface{}) bool {
		channel := value.(*presenceChannel)
		status.Channels++
		if channel.hasBrokerSub() {
			status.BrokerSubscriptions++
		}
		status.Subscribers[key.(string)] = channel.subscribers.Load()
		return true
	})
	return status
}

// Close force-remove every channel
func (r *channelRegistryImpl) Close() {
	var topics []string
	r.channels.Range(func(key, value interface{}) bool {
		topics = append(topics, key.(string))
		return true
	})
	for _, topic := range topics {
		if err := r.ForceRemove(topic); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to remove channel %s on close", topic,
			)
		}
	}
	log.WithFields(r.LogTags).Info("Channel registry closed")
}
