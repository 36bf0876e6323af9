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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/tnqls0624/weave-presence/apis"
	"github.com/tnqls0624/weave-presence/common"
	"github.com/tnqls0624/weave-presence/core"
	"github.com/tnqls0624/weave-presence/presence"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunAPIServer run the presence API server until the runtime context ends
func RunAPIServer(
	runTimeContext context.Context,
	config common.APIServerConfig,
	instance string,
	natsClient *core.NatsClient,
	service presence.Service,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "api-server",
		"instance":  instance,
	}

	auth, err := apis.GetHeaderRequestAuthenticator("", "")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request authenticator")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	restHandler, err := apis.GetAPIRestPresenceHandler(
		localCtxt, service, natsClient, auth, &config.HTTPSetting, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define REST handler")
		return err
	}
	wsHandler, err := apis.GetAPIWebsocketHandler(
		localCtxt, service, auth, &config.HTTPSetting, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket handler")
		return err
	}
	pushHandler, err := apis.GetAPITopicPushHandler(
		localCtxt, service, auth, &config.HTTPSetting, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define topic push handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	// Per workspace presence routes
	workspaceAPIRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/workspace/{workspaceID}/locations", map[string]http.HandlerFunc{
			"get":  restHandler.SnapshotHandler(),
			"post": restHandler.ReportLocationHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(workspaceAPIRouter, "/stream", map[string]http.HandlerFunc{
		"get": restHandler.StreamLocationsHandler(),
	})
	_ = apis.RegisterPathPrefix(workspaceAPIRouter, "/live", map[string]http.HandlerFunc{
		"get": wsHandler.LiveLocationsHandler(),
	})

	// Topic push session
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ws", map[string]http.HandlerFunc{
		"get": pushHandler.TopicPushHandler(),
	})

	// Admin status
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/status", map[string]http.HandlerFunc{
		"get": restHandler.StatusHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": restHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": restHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(restHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
