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
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/gorilla/mux"
)

// StandardResponse standard REST API response
type StandardResponse = goutils.RestAPIBaseResponse

// RegisterPathPrefix registers new method handlers for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers map[string]http.HandlerFunc,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================
// Request authentication

// UserIdentity the authenticated caller of an API request
type UserIdentity struct {
	// UserID unique user ID of the caller
	UserID string `json:"user_id" validate:"required"`
	// UserName display name of the caller
	UserName string `json:"user_name"`
}

// RequestAuthenticator resolves the caller identity of an API request. The
// actual credential check is assumed to have happened upstream; this reads
// the verdict the auth proxy attached to the request.
type RequestAuthenticator interface {
	// Authenticate resolve the caller identity of one request
	Authenticate(r *http.Request) (UserIdentity, error)
}

// headerAuthenticator reads the caller identity from trusted request headers
type headerAuthenticator struct {
	userIDHeader   string
	userNameHeader string
}

// GetHeaderRequestAuthenticator define a RequestAuthenticator reading the
// caller identity from the given request headers
func GetHeaderRequestAuthenticator(
	userIDHeader, userNameHeader string,
) (RequestAuthenticator, error) {
	if userIDHeader == "" {
		userIDHeader = "X-Auth-User-Id"
	}
	if userNameHeader == "" {
		userNameHeader = "X-Auth-User-Name"
	}
	return &headerAuthenticator{
		userIDHeader: userIDHeader, userNameHeader: userNameHeader,
	}, nil
}

// Authenticate resolve the caller identity of one request
func (a *headerAuthenticator) Authenticate(r *http.Request) (UserIdentity, error) {
	userID := r.Header.Get(a.userIDHeader)
	if userID == "" {
		return UserIdentity{}, fmt.Errorf("request carries no %s header", a.userIDHeader)
	}
	userName := r.Header.Get(a.userNameHeader)
	if userName == "" {
		userName = userID
	}
	return UserIdentity{UserID: userID, UserName: userName}, nil
}
