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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tnqls0624/weave-presence/common"
	"github.com/tnqls0624/weave-presence/presence"
)

// =======================================================================
// Wire frames

// WSClientFrame one frame read from a topic push session
type WSClientFrame struct {
	// Action the frame action: [subscribe unsubscribe send]
	Action string `json:"action" validate:"required,oneof=subscribe unsubscribe send"`
	// Destination the frame destination
	Destination string `json:"destination" validate:"required"`
	// Body optional frame payload
	Body json.RawMessage `json:"body,omitempty"`
}

// WSServerFrame one frame written to a topic push session
type WSServerFrame struct {
	// Type the frame type: [message receipt error]
	Type string `json:"type"`
	// Destination the destination this frame relates to
	Destination string `json:"destination,omitempty"`
	// Body the frame payload
	Body interface{} `json:"body,omitempty"`
	// Detail extra detail on receipt and error frames
	Detail string `json:"detail,omitempty"`
}

// topicDestination a parsed topic push destination
type topicDestination struct {
	workspaceID string
	operation   string
}

const (
	topicOpLocations      = "locations"
	topicOpLocationUpdate = "location.update"
	topicOpLocationsGet   = "locations.get"
)

// parseTopicDestination parse destinations of the form
// workspace.{workspaceID}.locations, workspace.{workspaceID}.location.update,
// and workspace.{workspaceID}.locations.get
func parseTopicDestination(destination string) (topicDestination, error) {
	parts := strings.SplitN(destination, ".", 3)
	if len(parts) != 3 || parts[0] != "workspace" {
		return topicDestination{}, fmt.Errorf("unsupported destination '%s'", destination)
	}
	if err := common.ValidateWorkspaceID(parts[1]); err != nil {
		return topicDestination{}, err
	}
	switch parts[2] {
	case topicOpLocations, topicOpLocationUpdate, topicOpLocationsGet:
		return topicDestination{workspaceID: parts[1], operation: parts[2]}, nil
	}
	return topicDestination{}, fmt.Errorf("unsupported destination '%s'", destination)
}

// =======================================================================
// Session task params

type wsTopicSubscribeRequest struct {
	destination string
	target      topicDestination
}

type wsTopicUnsubscribeRequest struct {
	destination string
	target      topicDestination
}

type wsLocationUpdateRequest struct {
	destination string
	target      topicDestination
	report      APIRestReqLocationReport
}

type wsSnapshotRequest struct {
	destination string
	target      topicDestination
}

type wsStreamEndedNotice struct {
	workspaceID string
}

// =======================================================================
// Session runtime

// topicPushSession one topic push websocket session. All session state is
// owned by the task processor event loop; the reader and the stream pipe
// goroutines interact with it through task params only.
type topicPushSession struct {
	common.Component
	id            string
	caller        UserIdentity
	service       presence.Service
	processor     common.TaskProcessor
	outgoing      chan WSServerFrame
	subscriptions map[string]presence.Subscription
	runtimeCtxt   context.Context
	wg            *sync.WaitGroup
}

// sendFrame queue a frame for the writer pump without ever blocking the
// event loop. A session too slow to drain its queue loses frames.
func (s *topicPushSession) sendFrame(frame WSServerFrame) {
	select {
	case s.outgoing <- frame:
	default:
		log.WithFields(s.LogTags).Warnf(
			"Dropped %s frame for slow session", frame.Type,
		)
	}
}

func (s *topicPushSession) handleSubscribe(param interface{}) error {
	request, ok := param.(wsTopicSubscribeRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	if request.target.operation != topicOpLocations {
		s.sendFrame(WSServerFrame{
			Type: "error", Destination: request.destination,
			Detail: "destination does not support subscribe",
		})
		return nil
	}
	workspaceID := request.target.workspaceID
	if _, ok := s.subscriptions[workspaceID]; ok {
		s.sendFrame(WSServerFrame{
			Type: "error", Destination: request.destination, Detail: "already subscribed",
		})
		return nil
	}
	// A new subscriber gets the current snapshot replayed ahead of the live
	// updates, so the first frames it sees are an immediately consistent view
	subscription, err := s.service.SnapshotThenSubscribe(s.runtimeCtxt, workspaceID)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to subscribe to workspace %s", workspaceID,
		)
		s.sendFrame(WSServerFrame{
			Type: "error", Destination: request.destination, Detail: err.Error(),
		})
		return nil
	}
	s.subscriptions[workspaceID] = subscription
	// Pipe the location stream into the session as message frames
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for record := range subscription.Updates() {
			s.sendFrame(WSServerFrame{
				Type: "message", Destination: request.destination, Body: record,
			})
		}
		// Stream ended, let the event loop release the bookkeeping
		_ = s.processor.Submit(wsStreamEndedNotice{workspaceID: workspaceID})
	}()
	log.WithFields(s.LogTags).Infof("Subscribed to %s", request.destination)
	s.sendFrame(WSServerFrame{Type: "receipt", Destination: request.destination})
	return nil
}

func (s *topicPushSession) handleUnsubscribe(param interface{}) error {
	request, ok := param.(wsTopicUnsubscribeRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	subscription, ok := s.subscriptions[request.target.workspaceID]
	if !ok {
		s.sendFrame(WSServerFrame{
			Type: "error", Destination: request.destination, Detail: "not subscribed",
		})
		return nil
	}
	delete(s.subscriptions, request.target.workspaceID)
	subscription.Close()
	log.WithFields(s.LogTags).Infof("Unsubscribed from %s", request.destination)
	s.sendFrame(WSServerFrame{Type: "receipt", Destination: request.destination})
	return nil
}

func (s *topicPushSession) handleLocationUpdate(param interface{}) error {
	request, ok := param.(wsLocationUpdateRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	if _, err := s.service.Report(
		s.runtimeCtxt,
		request.target.workspaceID,
		s.caller.UserID,
		s.caller.UserName,
		request.report.Latitude,
		request.report.Longitude,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to store location report")
		s.sendFrame(WSServerFrame{
			Type: "error", Destination: request.destination, Detail: err.Error(),
		})
	}
	// The stored record reaches the session through its subscription
	return nil
}

func (s *topicPushSession) handleSnapshot(param interface{}) error {
	request, ok := param.(wsSnapshotRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	records, err := s.service.Snapshot(s.runtimeCtxt, request.target.workspaceID)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to list locations of workspace %s", request.target.workspaceID,
		)
		s.sendFrame(WSServerFrame{
			Type: "error", Destination: request.destination, Detail: err.Error(),
		})
		return nil
	}
	s.sendFrame(WSServerFrame{
		Type: "message", Destination: request.destination, Body: records,
	})
	return nil
}

func (s *topicPushSession) handleStreamEnded(param interface{}) error {
	notice, ok := param.(wsStreamEndedNotice)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	if _, ok := s.subscriptions[notice.workspaceID]; ok {
		delete(s.subscriptions, notice.workspaceID)
		s.sendFrame(WSServerFrame{
			Type:        "error",
			Destination: fmt.Sprintf("workspace.%s.locations", notice.workspaceID),
			Detail:      "subscription ended",
		})
	}
	return nil
}

// dispatchClientFrame convert one client frame into a session task
func (s *topicPushSession) dispatchClientFrame(frame WSClientFrame) {
	target, err := parseTopicDestination(frame.Destination)
	if err != nil {
		s.sendFrame(WSServerFrame{
			Type: "error", Destination: frame.Destination, Detail: err.Error(),
		})
		return
	}
	var param interface{}
	switch frame.Action {
	case "subscribe":
		param = wsTopicSubscribeRequest{destination: frame.Destination, target: target}
	case "unsubscribe":
		param = wsTopicUnsubscribeRequest{destination: frame.Destination, target: target}
	case "send":
		switch target.operation {
		case topicOpLocationUpdate:
			var report APIRestReqLocationReport
			if err := json.Unmarshal(frame.Body, &report); err != nil {
				s.sendFrame(WSServerFrame{
					Type: "error", Destination: frame.Destination, Detail: err.Error(),
				})
				return
			}
			param = wsLocationUpdateRequest{
				destination: frame.Destination, target: target, report: report,
			}
		case topicOpLocationsGet:
			param = wsSnapshotRequest{destination: frame.Destination, target: target}
		default:
			s.sendFrame(WSServerFrame{
				Type:        "error",
				Destination: frame.Destination,
				Detail:      "destination does not support send",
			})
			return
		}
	}
	if err := s.processor.Submit(param); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to submit session task")
	}
}

// =======================================================================
// HTTP handler

// APITopicPushHandler websocket handler for the topic push API
type APITopicPushHandler struct {
	goutils.RestAPIHandler
	service     presence.Service
	auth        RequestAuthenticator
	upgrader    websocket.Upgrader
	validate    *validator.Validate
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPITopicPushHandler define APITopicPushHandler
func GetAPITopicPushHandler(
	baseContext context.Context,
	service presence.Service,
	auth RequestAuthenticator,
	httpConfig *common.HTTPConfig,
	wg *sync.WaitGroup,
) (APITopicPushHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "topic-push",
	}
	return APITopicPushHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		service: service,
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		validate:    validator.New(),
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// TopicPush godoc
// @Summary Establish a topic push session
// @Description Establish a websocket session multiplexing any number of workspace
// location streams. Clients exchange JSON frames: subscribe and unsubscribe against
// workspace.{workspaceID}.locations (each subscribe replays the workspace snapshot
// ahead of the live updates), send location reports to
// workspace.{workspaceID}.location.update, and request the current snapshot through
// workspace.{workspaceID}.locations.get.
// @tags Presence
// @Param Weave-Request-ID header string false "User provided request ID to match against logs"
// @Success 101 {string} string "switching protocol"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ws [get]
func (h APITopicPushHandler) TopicPush(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	caller, err := h.auth.Authenticate(r)
	if err != nil {
		msg := "Unable to identify caller"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		_ = h.WriteRESTResponse(
			w,
			http.StatusUnauthorized,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error()),
			nil,
		)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	sessionID := uuid.New().String()
	logTags := localLogTags
	logTags["session"] = sessionID
	logTags["user"] = caller.UserID

	runtimeCtxt, cancel := context.WithCancel(h.baseContext)
	defer cancel()

	processor, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("topic-push-%s", sessionID), 64, runtimeCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session processor")
		return
	}

	session := &topicPushSession{
		Component:     common.Component{LogTags: logTags},
		id:            sessionID,
		caller:        caller,
		service:       h.service,
		processor:     processor,
		outgoing:      make(chan WSServerFrame, 256),
		subscriptions: make(map[string]presence.Subscription),
		runtimeCtxt:   runtimeCtxt,
		wg:            h.wg,
	}

	if err := processor.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(wsTopicSubscribeRequest{}):   session.handleSubscribe,
		reflect.TypeOf(wsTopicUnsubscribeRequest{}): session.handleUnsubscribe,
		reflect.TypeOf(wsLocationUpdateRequest{}):   session.handleLocationUpdate,
		reflect.TypeOf(wsSnapshotRequest{}):         session.handleSnapshot,
		reflect.TypeOf(wsStreamEndedNotice{}):       session.handleStreamEnded,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task execution map")
		return
	}
	if err := processor.StartEventLoop(h.wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session event loop")
		return
	}
	defer func() {
		_ = processor.StopEventLoop()
	}()

	log.WithFields(logTags).Info("Topic push session established")

	// The writer pump owns the connection's write side
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		pingTicker := time.NewTicker(wsPingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-runtimeCtxt.Done():
				return
			case <-pingTicker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.WithError(err).WithFields(logTags).Debug("Ping write failed")
					return
				}
			case frame := <-session.outgoing:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(&frame); err != nil {
					log.WithError(err).WithFields(logTags).Debug("Frame write failed")
					return
				}
			}
		}
	}()

	// The request goroutine owns the read side
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		var frame WSClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(logTags).Debug("Session read failed")
			}
			break
		}
		if err := h.validate.Struct(&frame); err != nil {
			session.sendFrame(WSServerFrame{
				Type: "error", Destination: frame.Destination, Detail: err.Error(),
			})
			continue
		}
		session.dispatchClientFrame(frame)
	}
	cancel()
	log.WithFields(logTags).Info("Topic push session ended")
}

// TopicPushHandler Wrapper around TopicPush
func (h APITopicPushHandler) TopicPushHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.TopicPush(w, r)
	})
}
