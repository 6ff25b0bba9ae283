// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"forward-proxy-go/internal/client"
	"forward-proxy-go/internal/model"
)

// AllowedMethods is advertised in the Allow header of OPTIONS and 405 responses.
const AllowedMethods = "OPTIONS, GET, HEAD, POST, PUT, DELETE, CONNECT"

// ForwardingEngine turns inbound proxy requests into origin requests.
type ForwardingEngine struct {
	client *client.OriginClient
	logger *slog.Logger
}

// NewForwardingEngine creates a ForwardingEngine.
func NewForwardingEngine(c *client.OriginClient, logger *slog.Logger) *ForwardingEngine {
	return &ForwardingEngine{
		client: c,
		logger: logger.With("component", "forwarding_engine"),
	}
}

// Forward issues pr against its origin and returns the origin's answer, or a
// synthetic one for methods that are not forwarded.
//
// Every non-nil error is a *ForwardError. An origin status of 400 or above is
// reported as KindOriginStatus with the full response attached.
func (e *ForwardingEngine) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	var withBody bool
	switch pr.Method {
	case http.MethodOptions:
		return optionsResponse(), nil
	case http.MethodGet, http.MethodHead, http.MethodDelete:
	case http.MethodPost, http.MethodPut:
		withBody = true
	default:
		return methodNotAllowedResponse(), nil
	}

	if pr.URL == nil || pr.URL.Scheme != "http" || pr.URL.Host == "" {
		return nil, &ForwardError{Kind: KindInvalidRequest, Reason: "target must be an absolute http:// URL"}
	}

	header := pr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	// The transport computes Content-Length from the buffered body.
	header.Del("Content-Length")

	var body io.Reader
	if withBody {
		body = bytes.NewReader(pr.Body)
	}

	e.logger.Debug("forwarding request",
		"method", pr.Method,
		"url", pr.URL.Redacted(),
		"body_bytes", len(pr.Body),
	)

	resp, err := e.client.Send(pr.Ctx, pr.Method, pr.URL.String(), header, body)
	if err != nil {
		return nil, Classify(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &ForwardError{Kind: KindOriginStatus, Reason: resp.Status, Response: resp}
	}
	return resp, nil
}

func optionsResponse() *model.ProxyResponse {
	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Status:     statusLine(http.StatusOK),
		Header: http.Header{
			"Allow":          {AllowedMethods},
			"Content-Length": {"0"},
		},
	}
}

func methodNotAllowedResponse() *model.ProxyResponse {
	return &model.ProxyResponse{
		StatusCode: http.StatusMethodNotAllowed,
		Status:     statusLine(http.StatusMethodNotAllowed),
		Header: http.Header{
			"Allow":          {AllowedMethods},
			"Content-Length": {"0"},
		},
	}
}

func statusLine(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}
