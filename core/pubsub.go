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

package core

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/tnqls0624/weave-presence/broker"
	"github.com/tnqls0624/weave-presence/common"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient NATS client as cross-instance broadcast broker
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// NATs fetch the NATS connection
func (c *NatsClient) NATs() *nats.Conn {
	return c.nc
}

// Close close the NATS client
func (c *NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// GetNatsClient define a new NATS client
func GetNatsClient(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-backend",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Created NATS client")

	return &NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}

// ========================================================================================
// broker.PubSub through core NATS publish / subscribe

// Publish send a payload on a NATS subject. The send is buffered by the
// client; a flush bounded by the caller's context confirms hand-off.
func (c *NatsClient) Publish(ctxt context.Context, topic string, payload []byte) error {
	if err := c.nc.Publish(topic, payload); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to send message on %s", topic)
		return err
	}
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Flush after send on %s failed", topic)
		return err
	}
	return nil
}

// natsSubscription wraps one NATS subject subscription
type natsSubscription struct {
	common.Component
	sub *nats.Subscription
}

// Close dispose of the subscription
func (s *natsSubscription) Close() error {
	if err := s.sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unsubscribe failed")
		return err
	}
	log.WithFields(s.LogTags).Infof("Unsubscribed from subject")
	return nil
}

// Subscribe open a long lived subscription against a NATS subject
func (c *NatsClient) Subscribe(topic string, handler broker.MessageHandler) (
	broker.Subscription, error,
) {
	sub, err := c.nc.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to subscribe to %s", topic)
		return nil, err
	}
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-subscription",
		"topic":     topic,
	}
	log.WithFields(logTags).Info("Opened subscription")
	return &natsSubscription{
		Component: common.Component{LogTags: logTags}, sub: sub,
	}, nil
}
