package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// lambdaHandler bridges API Gateway HTTP API (payload v2) events to an
// http.Handler. Bodies are passed through byte-for-byte so webhook
// signatures still verify.
type lambdaHandler struct {
	next http.Handler
}

func newLambdaHandler(next http.Handler) *lambdaHandler {
	return &lambdaHandler{next: next}
}

// Handle converts evt into an *http.Request, serves it, and converts the
// captured response back.
func (h *lambdaHandler) Handle(ctx context.Context, evt events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	req, err := toHTTPRequest(ctx, evt)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{}, err
	}

	rec := newResponseBuffer()
	h.next.ServeHTTP(rec, req)
	return rec.toEvent(), nil
}

func toHTTPRequest(ctx context.Context, evt events.APIGatewayV2HTTPRequest) (*http.Request, error) {
	body := []byte(evt.Body)
	if evt.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(evt.Body)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 body: %w", err)
		}
		body = decoded
	}

	method := evt.RequestContext.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}
	target := &url.URL{Path: evt.RawPath, RawQuery: evt.RawQueryString}
	if target.Path == "" {
		target.Path = evt.RequestContext.HTTP.Path
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range evt.Headers {
		req.Header.Set(k, v)
	}
	if len(evt.Cookies) > 0 {
		req.Header.Set("Cookie", strings.Join(evt.Cookies, "; "))
	}
	if evt.RequestContext.HTTP.SourceIP != "" {
		req.RemoteAddr = evt.RequestContext.HTTP.SourceIP
	}
	req.Host = req.Header.Get("Host")
	return req, nil
}

// responseBuffer is an http.ResponseWriter that captures the response in
// memory.
type responseBuffer struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *responseBuffer) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *responseBuffer) toEvent() events.APIGatewayV2HTTPResponse {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	resp := events.APIGatewayV2HTTPResponse{
		StatusCode:        status,
		Headers:           make(map[string]string, len(b.header)),
		MultiValueHeaders: make(map[string][]string),
		Body:              b.body.String(),
	}
	for k, v := range b.header {
		if k == "Set-Cookie" {
			resp.Cookies = append(resp.Cookies, v...)
			continue
		}
		if len(v) == 1 {
			resp.Headers[k] = v[0]
		} else {
			resp.MultiValueHeaders[k] = v
		}
	}
	return resp
}
