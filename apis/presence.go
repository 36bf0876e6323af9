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
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/tnqls0624/weave-presence/common"
	"github.com/tnqls0624/weave-presence/core"
	"github.com/tnqls0624/weave-presence/presence"
)

// APIRestPresenceHandler REST handler for workspace presence
type APIRestPresenceHandler struct {
	goutils.RestAPIHandler
	service     presence.Service
	natsClient  *core.NatsClient
	auth        RequestAuthenticator
	validate    *validator.Validate
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestPresenceHandler define APIRestPresenceHandler
func GetAPIRestPresenceHandler(
	baseContext context.Context,
	service presence.Service,
	natsClient *core.NatsClient,
	auth RequestAuthenticator,
	httpConfig *common.HTTPConfig,
	wg *sync.WaitGroup,
) (APIRestPresenceHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "presence",
	}
	return APIRestPresenceHandler{
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
		service:     service,
		natsClient:  natsClient,
		auth:        auth,
		validate:    validator.New(),
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// Write bridges the access log writer onto apex. The handler is handed to
// gorilla's logging middleware as its output sink.
func (h APIRestPresenceHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Location report

// APIRestReqLocationReport location report request body
type APIRestReqLocationReport struct {
	// Latitude of the reporting user
	Latitude float64 `json:"latitude" validate:"gte=-90,lte=90"`
	// Longitude of the reporting user
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// APIRestRespLocationRecord response wrapper for one location record
type APIRestRespLocationRecord struct {
	goutils.RestAPIBaseResponse
	// Location the stored location record
	Location presence.LocationRecord `json:"location"`
}

// ReportLocation godoc
// @Summary Report a user location
// @Description Store the caller's location within a workspace, and broadcast the stored
// record to every subscriber of that workspace.
// @tags Presence
// @Accept json
// @Produce json
// @Param Weave-Request-ID header string false "User provided request ID to match against logs"
// @Param workspaceID path string true "Workspace ID"
// @Param location body APIRestReqLocationReport true "Location to report"
// @Success 202 {object} APIRestRespLocationRecord "accepted"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 202,400,401,500 {string} Weave-Request-ID "Request ID to match against logs"
// @Router /v1/workspace/{workspaceID}/locations [post]
func (h APIRestPresenceHandler) ReportLocation(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	workspaceID, ok := vars["workspaceID"]
	if !ok {
		msg := "No workspace ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	caller, err := h.auth.Authenticate(r)
	if err != nil {
		msg := "Unable to identify caller"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	var report APIRestReqLocationReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&report); err != nil {
		msg := "Invalid location report"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	record, err := h.service.Report(
		r.Context(), workspaceID, caller.UserID, caller.UserName, report.Latitude, report.Longitude,
	)
	if err != nil {
		msg := fmt.Sprintf("Unable to store location within workspace %s", workspaceID)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	respCode = http.StatusAccepted
	respBody = APIRestRespLocationRecord{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Location: record,
	}
}

// ReportLocationHandler Wrapper around ReportLocation
func (h APIRestPresenceHandler) ReportLocationHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.ReportLocation(w, r)
	})
}

// =======================================================================
// Location snapshot

// APIRestRespLocationSnapshot response wrapper for a workspace location snapshot
type APIRestRespLocationSnapshot struct {
	goutils.RestAPIBaseResponse
	// Locations the latest location of every user within the workspace
	Locations []presence.LocationRecord `json:"locations"`
}

// Snapshot godoc
// @Summary Fetch the workspace location snapshot
// @Description Fetch the latest stored location of every user within a workspace
// @tags Presence
// @Produce json
// @Param Weave-Request-ID header string false "User provided request ID to match against logs"
// @Param workspaceID path string true "Workspace ID"
// @Success 200 {object} APIRestRespLocationSnapshot "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Weave-Request-ID "Request ID to match against logs"
// @Router /v1/workspace/{workspaceID}/locations [get]
func (h APIRestPresenceHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	workspaceID, ok := vars["workspaceID"]
	if !ok {
		msg := "No workspace ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	records, err := h.service.Snapshot(r.Context(), workspaceID)
	if err != nil {
		msg := fmt.Sprintf("Unable to list locations of workspace %s", workspaceID)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespLocationSnapshot{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Locations: records,
	}
}

// SnapshotHandler Wrapper around Snapshot
func (h APIRestPresenceHandler) SnapshotHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.Snapshot(w, r)
	})
}

// =======================================================================
// Location stream

// APIRestRespLocationStreamMsg wrapper object for one streamed location record
type APIRestRespLocationStreamMsg struct {
	goutils.RestAPIBaseResponse
	presence.LocationRecord
}

// StreamLocations godoc
// @Summary Stream workspace location updates
// @Description Establish a location update stream for a workspace. This is a long lived
// server send event stream. The current snapshot is replayed first, followed by live
// updates. The stream will close on client disconnect, server shutdown, or server
// internal error.
// @tags Presence
// @Produce json
// @Param Weave-Request-ID header string false "User provided request ID to match against logs"
// @Param workspaceID path string true "Workspace ID"
// @Success 200 {object} APIRestRespLocationStreamMsg "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Weave-Request-ID "Request ID to match against logs"
// @Router /v1/workspace/{workspaceID}/locations/stream [get]
func (h APIRestPresenceHandler) StreamLocations(w http.ResponseWriter, r *http.Request) {
	localLogTagsInitial := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	var writeFlusher http.Flusher
	streamCommitted := false
	defer func() {
		if streamCommitted {
			// The stream owns the wire once committed; the terminal status
			// goes out as the closing stream line, not a REST envelope
			if respBody != nil {
				if serialize, err := json.Marshal(respBody); err == nil {
					_, _ = fmt.Fprintf(w, "%s\n", serialize)
				}
			}
			writeFlusher.Flush()
			return
		}
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTagsInitial).Error("Failed to form response")
		}
	}()

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")

	vars := mux.Vars(r)
	workspaceID, ok := vars["workspaceID"]
	if !ok {
		msg := "No workspace ID provided"
		log.WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	logTags := localLogTagsInitial
	logTags["workspace"] = workspaceID

	writeFlusher, ok = w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	runtimeCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()
	stream, err := h.service.SnapshotThenSubscribe(runtimeCtxt, workspaceID)
	if err != nil {
		msg := fmt.Sprintf("Unable to subscribe to workspace %s", workspaceID)
		log.WithError(err).WithFields(logTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	defer stream.Close()

	// Commit the stream: from here the status and headers are on the wire
	// and every further byte belongs to the event stream
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()
	streamCommitted = true

	// Process events
	complete := false
	onError := func(err error, msg string) {
		cancel()
		complete = true
		log.WithError(err).WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	}
	for !complete {
		select {
		case <-h.baseContext.Done():
			// Server stopping
			complete = true
			log.WithFields(logTags).Info("Terminating location stream on server stop")
			msg := "Server stopping"
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		case <-r.Context().Done():
			// Request closed
			complete = true
			log.WithFields(logTags).Info("Terminating location stream on request end")
			respCode = http.StatusOK
			respBody = APIRestRespLocationStreamMsg{
				RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
			}
		case record, ok := <-stream.Updates():
			if !ok {
				// The workspace channel was removed out from under the stream
				complete = true
				log.WithFields(logTags).Info("Terminating location stream on channel removal")
				respCode = http.StatusOK
				respBody = APIRestRespLocationStreamMsg{
					RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
				}
				break
			}
			resp := APIRestRespLocationStreamMsg{
				RestAPIBaseResponse: goutils.RestAPIBaseResponse{
					Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
				},
				LocationRecord: record,
			}
			serialize, err := json.Marshal(&resp)
			if err != nil {
				onError(err, "Failed to serialize location record for transmission")
				break
			}
			written, err := fmt.Fprintf(w, "%s\n", serialize)
			writeFlusher.Flush()
			if err != nil {
				onError(err, "Failed to transmit location record")
				break
			}
			log.WithFields(logTags).Debugf("Written %dB", written)
		}
	}
	// On final flush
	writeFlusher.Flush()
}

// StreamLocationsHandler Wrapper around StreamLocations
func (h APIRestPresenceHandler) StreamLocationsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.StreamLocations(w, r)
	})
}

// =======================================================================
// Admin status

// APIRestRespRegistryStatus response wrapper for channel registry status
type APIRestRespRegistryStatus struct {
	goutils.RestAPIBaseResponse
	// Registry the channel registry status
	Registry presence.RegistryStatus `json:"registry"`
}

// Status godoc
// @Summary Fetch channel registry status
// @Description Fetch the channel and subscriber state of this server instance
// @tags Presence
// @Produce json
// @Param Weave-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespRegistryStatus "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Weave-Request-ID "Request ID to match against logs"
// @Router /v1/admin/status [get]
func (h APIRestPresenceHandler) Status(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespRegistryStatus{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Registry:            h.service.RegistryStatus(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, &resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// StatusHandler Wrapper around Status
func (h APIRestPresenceHandler) StatusHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.Status(w, r)
	})
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For presence REST API liveness check
// @Description Will return success to indicate presence REST API module is live
// @tags Presence
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestPresenceHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestPresenceHandler) AliveHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// Ready godoc
// @Summary For presence REST API readiness check
// @Description Will return success if presence REST API module is ready for use
// @tags Presence
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestPresenceHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient == nil || h.natsClient.NATs().Status() == nats.CONNECTED {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestPresenceHandler) ReadyHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
