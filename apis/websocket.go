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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tnqls0624/weave-presence/common"
	"github.com/tnqls0624/weave-presence/presence"
)

const (
	// wsWriteTimeout bound on one websocket write
	wsWriteTimeout = time.Second * 10
	// wsPongTimeout how long to wait for a pong before assuming the peer is gone
	wsPongTimeout = time.Second * 60
	// wsPingPeriod must be shorter than wsPongTimeout
	wsPingPeriod = time.Second * 50
)

// APIWebsocketHandler websocket handler for workspace presence
type APIWebsocketHandler struct {
	goutils.RestAPIHandler
	service     presence.Service
	auth        RequestAuthenticator
	upgrader    websocket.Upgrader
	validate    *validator.Validate
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIWebsocketHandler define APIWebsocketHandler
func GetAPIWebsocketHandler(
	baseContext context.Context,
	service presence.Service,
	auth RequestAuthenticator,
	httpConfig *common.HTTPConfig,
	wg *sync.WaitGroup,
) (APIWebsocketHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "presence-websocket",
	}
	return APIWebsocketHandler{
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
			// Cross-origin policy is enforced by the fronting proxy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validate:    validator.New(),
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// LiveLocations godoc
// @Summary Establish a live location channel
// @Description Establish a bidirectional websocket session against one workspace. The
// server first replays the workspace location snapshot, then pushes live updates as
// they occur. Location reports read from the session are stored and broadcast. The
// session closes on client disconnect, server shutdown, or workspace channel removal.
// @tags Presence
// @Param Weave-Request-ID header string false "User provided request ID to match against logs"
// @Param workspaceID path string true "Workspace ID"
// @Success 101 {string} string "switching protocol"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/workspace/{workspaceID}/locations/live [get]
func (h APIWebsocketHandler) LiveLocations(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	// Identity and parameters are checked while this is still a plain HTTP
	// request, so failures can be reported as normal REST errors
	vars := mux.Vars(r)
	workspaceID, ok := vars["workspaceID"]
	if !ok {
		msg := "No workspace ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		_ = h.WriteRESTResponse(
			w,
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg),
			nil,
		)
		return
	}
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

	logTags := localLogTags
	logTags["workspace"] = workspaceID
	logTags["user"] = caller.UserID

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.WithError(err).WithFields(logTags).Error("Websocket upgrade failed")
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	runtimeCtxt, cancel := context.WithCancel(h.baseContext)
	defer cancel()

	stream, err := h.service.SnapshotThenSubscribe(runtimeCtxt, workspaceID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to subscribe to workspace %s", workspaceID,
		)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(wsWriteTimeout),
		)
		return
	}
	defer stream.Close()

	log.WithFields(logTags).Info("Live location session established")

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
			case record, ok := <-stream.Updates():
				if !ok {
					log.WithFields(logTags).Info("Ending session on channel removal")
					_ = conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "channel removed"),
						time.Now().Add(wsWriteTimeout),
					)
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(&record); err != nil {
					log.WithError(err).WithFields(logTags).Debug("Record write failed")
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
		var report APIRestReqLocationReport
		if err := conn.ReadJSON(&report); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(logTags).Debug("Session read failed")
			}
			break
		}
		if err := h.validate.Struct(&report); err != nil {
			log.WithError(err).WithFields(logTags).Error("Rejecting invalid location report")
			continue
		}
		if _, err := h.service.Report(
			runtimeCtxt, workspaceID, caller.UserID, caller.UserName,
			report.Latitude, report.Longitude,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to store location report")
		}
	}
	cancel()
	log.WithFields(logTags).Info("Live location session ended")
}

// LiveLocationsHandler Wrapper around LiveLocations
func (h APIWebsocketHandler) LiveLocationsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.LiveLocations(w, r)
	})
}
