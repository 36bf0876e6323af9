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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestLocationReportAndSnapshot(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	runtime := utDefinePresenceRuntime(t, &wg)
	defer runtime.registry.Close()

	uut, err := GetAPIRestPresenceHandler(
		utCtxt, runtime.service, nil, runtime.auth, runtime.httpCfg, &wg,
	)
	assert.Nil(err)

	checkHeader := func(w *httptest.ResponseRecorder, reqID string) {
		assert.Equal(reqID, w.Header().Get("Weave-Request-ID"))
	}

	// Case 0: report without identity headers
	{
		body, err := json.Marshal(&APIRestReqLocationReport{Latitude: 37.5, Longitude: 127.0})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/v1/workspace/w1/locations", bytes.NewReader(body))
		assert.Nil(err)

		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/workspace/{workspaceID}/locations", uut.ReportLocationHandler())
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
	}

	// Case 1: report with identity
	testReqID := uuid.NewString()
	{
		body, err := json.Marshal(&APIRestReqLocationReport{Latitude: 37.5, Longitude: 127.0})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/v1/workspace/w1/locations", bytes.NewReader(body))
		assert.Nil(err)
		req.Header.Set("Weave-Request-ID", testReqID)
		req.Header.Set("X-Auth-User-Id", "u1")
		req.Header.Set("X-Auth-User-Name", "mina")

		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/workspace/{workspaceID}/locations", uut.ReportLocationHandler())
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusAccepted, respRecorder.Code)
		var msg APIRestRespLocationRecord
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(testReqID, msg.RequestID)
		checkHeader(respRecorder, testReqID)
		assert.Equal("u1", msg.Location.UserID)
		assert.Equal(37.5, msg.Location.Latitude)
	}

	// Case 2: out-of-range latitude
	{
		body, err := json.Marshal(&APIRestReqLocationReport{Latitude: 137.5, Longitude: 127.0})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/v1/workspace/w1/locations", bytes.NewReader(body))
		assert.Nil(err)
		req.Header.Set("X-Auth-User-Id", "u1")

		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/workspace/{workspaceID}/locations", uut.ReportLocationHandler())
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 3: invalid workspace ID
	{
		body, err := json.Marshal(&APIRestReqLocationReport{Latitude: 37.5, Longitude: 127.0})
		assert.Nil(err)
		req, err := http.NewRequest(
			"POST", "/v1/workspace/bad%2Eworkspace/locations", bytes.NewReader(body),
		)
		assert.Nil(err)
		req.Header.Set("X-Auth-User-Id", "u1")

		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/workspace/{workspaceID}/locations", uut.ReportLocationHandler())
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 4: snapshot reflects the stored report
	{
		req, err := http.NewRequest("GET", "/v1/workspace/w1/locations", nil)
		assert.Nil(err)

		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/workspace/{workspaceID}/locations", uut.SnapshotHandler())
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespLocationSnapshot
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Len(msg.Locations, 1)
		assert.Equal("u1", msg.Locations[0].UserID)
		assert.Equal("mina", msg.Locations[0].UserName)
	}

	// Case 5: snapshot of an untouched workspace
	{
		req, err := http.NewRequest("GET", "/v1/workspace/w2/locations", nil)
		assert.Nil(err)

		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/workspace/{workspaceID}/locations", uut.SnapshotHandler())
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespLocationSnapshot
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Empty(msg.Locations)
	}
}

func TestPresenceHandlerAccessLogSink(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	runtime := utDefinePresenceRuntime(t, &wg)
	defer runtime.registry.Close()

	uut, err := GetAPIRestPresenceHandler(
		utCtxt, runtime.service, nil, runtime.auth, runtime.httpCfg, &wg,
	)
	assert.Nil(err)

	// The handler doubles as the io.Writer the access log middleware is
	// given as its output sink
	var sink io.Writer = uut
	line := []byte(`127.0.0.1 - - "GET /alive HTTP/1.1" 200 42`)
	written, err := sink.Write(line)
	assert.Nil(err)
	assert.Equal(len(line), written)
}

func TestRegistryStatusEndpoint(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	runtime := utDefinePresenceRuntime(t, &wg)
	defer runtime.registry.Close()

	uut, err := GetAPIRestPresenceHandler(
		utCtxt, runtime.service, nil, runtime.auth, runtime.httpCfg, &wg,
	)
	assert.Nil(err)

	// Case 0: nothing registered
	{
		req, err := http.NewRequest("GET", "/v1/admin/status", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.StatusHandler().ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespRegistryStatus
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(0, msg.Registry.Channels)
	}

	// Case 1: one active subscription
	sub, err := runtime.registry.Subscribe(utCtxt, "workspace.location.w1")
	assert.Nil(err)
	defer sub.Close()
	{
		req, err := http.NewRequest("GET", "/v1/admin/status", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.StatusHandler().ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespRegistryStatus
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.Equal(1, msg.Registry.Channels)
		assert.Equal(int32(1), msg.Registry.Subscribers["workspace.location.w1"])
	}

	// Case 2: health endpoints
	{
		req, err := http.NewRequest("GET", "/alive", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.AliveHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)

		req, err = http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)
		respRecorder = httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}
}

func TestLocationStream(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	runtime := utDefinePresenceRuntime(t, &wg)
	defer runtime.registry.Close()

	uut, err := GetAPIRestPresenceHandler(
		utCtxt, runtime.service, nil, runtime.auth, runtime.httpCfg, &wg,
	)
	assert.Nil(err)

	// Seed the workspace so the stream has a snapshot to replay
	_, err = runtime.service.Report(utCtxt, "w1", "u1", "mina", 37.5, 127.0)
	assert.Nil(err)

	reqCtxt, reqCancel := context.WithCancel(utCtxt)
	req := httptest.NewRequest("GET", "/v1/workspace/w1/locations/stream", nil).WithContext(reqCtxt)
	respRecorder := httptest.NewRecorder()

	router := mux.NewRouter()
	router.HandleFunc("/v1/workspace/{workspaceID}/locations/stream", uut.StreamLocationsHandler())

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		router.ServeHTTP(respRecorder, req)
	}()

	// Wait for the stream's subscription to attach, then push a live update
	// behind the snapshot, then end the request
	assert.Eventually(func() bool {
		return runtime.registry.Status().Subscribers["workspace.location.w1"] >= 1
	}, time.Second, time.Millisecond*10)
	_, err = runtime.service.Report(utCtxt, "w1", "u2", "haeun", 35.1, 129.0)
	assert.Nil(err)
	time.Sleep(time.Millisecond * 100)
	reqCancel()
	select {
	case <-streamDone:
	case <-time.After(time.Second * 3):
		assert.FailNow("stream handler did not exit")
	}

	// The committed stream keeps its status and content type; no REST
	// envelope is layered on after the fact
	assert.Equal(http.StatusOK, respRecorder.Code)
	assert.Equal("text/event-stream", respRecorder.Header().Get("Content-Type"))

	// The stream carries one JSON object per line: the snapshot record, the
	// live record, and the final status message
	seenUsers := map[string]bool{}
	scanner := bufio.NewScanner(bytes.NewReader(respRecorder.Body.Bytes()))
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var msg APIRestRespLocationStreamMsg
		assert.Nil(json.Unmarshal(scanner.Bytes(), &msg))
		assert.True(msg.Success)
		if msg.UserID != "" {
			seenUsers[msg.UserID] = true
		}
	}
	assert.True(seenUsers["u1"], fmt.Sprintf("seen %v", seenUsers))
	assert.True(seenUsers["u2"], fmt.Sprintf("seen %v", seenUsers))
}
