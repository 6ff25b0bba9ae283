// Package model defines shared types for the proxy.
package model

import (
	"context"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded to an origin.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// ProxyResponse represents an origin (or synthetic) response relayed to the client.
type ProxyResponse struct {
	StatusCode int
	Status     string // status line as received, e.g. "404 Not Found"
	Header     http.Header
	Body       []byte
}
