// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to the portal's REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The client
is the tool of choice if one request handler needs to call other handlers to fulfill
its task, like the server-rendered pages do. It is also perfectly suited for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to a running portal
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client with a bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAdminAuthorization returns a new client with admin authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAdminAuthorization() Client {
	return c.WithRole(access.RoleAdmin)
}

// WithRole returns a new client with role authorization
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithRole(role string) Client {
	c.auth = &access.Authorization{
		Roles: []string{role},
	}
	return c
}

// WithAuthorization returns a new client with specific authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context including the client's authorization
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = c.auth.ContextWithAuthorization(ctx)
	}
	return ctx
}

// do executes a request either through the router or over the wire
func (c Client) do(method, path string, header map[string]string, body []byte) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewBuffer(body)
	}
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, nil, nil, err
	}
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	for key, value := range header {
		r.Header.Add(key, value)
	}
	if body != nil && r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", "application/json")
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		return res.StatusCode, res.Header, rec.Body.Bytes(), nil
	}

	if c.token != "" {
		r.Header.Add("Authorization", "Bearer "+c.token)
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)
	return res.StatusCode, res.Header, resBody, nil
}

func decode(resBody []byte, result interface{}) error {
	if len(resBody) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

func encode(method, path string, body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	j, ok := body.([]byte)
	if ok {
		return j, nil
	}
	j, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s to %s: %w", method, path, err)
	}
	return j, nil
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.RawGetWithHeader(path, nil, result)
	return status, err
}

// RawGetWithHeader gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code and the response header.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	status, resHeader, resBody, err := c.do(http.MethodGet, path, header, nil)
	if err != nil {
		return status, nil, err
	}
	if status == http.StatusNoContent {
		return status, resHeader, nil
	}
	if status != http.StatusOK {
		return status, resHeader, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(resBody)))
	}
	return status, resHeader, decode(resBody, result)
}

// RawPost posts a resource to path. Expects http.StatusOK, http.StatusCreated or http.StatusNoContent as
// valid responses, otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	return c.RawPostWithHeader(path, nil, body, result)
}

// RawPostWithHeader is RawPost with additional request headers
func (c Client) RawPostWithHeader(path string, header map[string]string, body interface{}, result interface{}) (int, error) {
	j, err := encode(http.MethodPost, path, body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, _, resBody, err := c.do(http.MethodPost, path, header, j)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return status, fmt.Errorf("post got status=%d body=%s", status, strings.TrimSpace(string(resBody)))
	}
	return status, decode(resBody, result)
}

// RawPut puts a resource to path. Expects http.StatusOK, http.StatusCreated or http.StatusNoContent as valid responses,
// otherwise it will flag an error. Returns the actual http status code.
//
// In case of http.StatusConflict, the conflicting version of the object has been returned as result.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	j, err := encode(http.MethodPut, path, body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, _, resBody, err := c.do(http.MethodPut, path, nil, j)
	if err != nil {
		return status, err
	}

	// we do not return just yet in case of http.StatusConflict to be able to return the conflicting object
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent && status != http.StatusConflict {
		return status, fmt.Errorf("put got status=%d body=%s", status, strings.TrimSpace(string(resBody)))
	}
	err = decode(resBody, result)
	if status == http.StatusConflict {
		return status, fmt.Errorf("conflict while writing to path:'%s', wanted to write %s, conflict: %s", path, string(j), string(resBody))
	}
	return status, err
}

// RawPatch puts a patch to path. Expects http.StatusOK, http.StatusCreated, or http.StatusNoContent as valid responses,
// otherwise it will flag an error. Returns the actual http status code.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	j, err := encode(http.MethodPatch, path, body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, _, resBody, err := c.do(http.MethodPatch, path, nil, j)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return status, fmt.Errorf("patch got status=%d body=%s", status, strings.TrimSpace(string(resBody)))
	}
	return status, decode(resBody, result)
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent as response, otherwise it will
// flag an error.
//
// Returns the actual http status code.
func (c Client) RawDelete(path string) (int, error) {
	status, _, resBody, err := c.do(http.MethodDelete, path, nil, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusNoContent {
		return status, fmt.Errorf("delete got status=%d body=%s", status, strings.TrimSpace(string(resBody)))
	}
	return status, nil
}
