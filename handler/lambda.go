package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
)

// LambdaAdapter serves the gin router behind a Lambda Function URL with
// response streaming. Function URL paths omit the /api prefix, so /chat and
// /chat/feedback reach the same handlers as the HTTP server.
type LambdaAdapter struct {
	router http.Handler
}

func NewLambdaAdapter(h *Handler) (*LambdaAdapter, error) {
	if h == nil {
		return nil, fmt.Errorf("handler: handler must not be nil")
	}
	return &LambdaAdapter{router: h.Router()}, nil
}

// Handle returns once the status line is known; the body keeps streaming
// from the router goroutine through a pipe.
func (a *LambdaAdapter) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	httpReq, err := toHTTPRequest(ctx, req)
	if err != nil {
		return &events.LambdaFunctionURLStreamingResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       strings.NewReader(`{"success":false,"error":"INVALID_INPUT"}`),
		}, nil
	}

	pr, pw := io.Pipe()
	w := newPipeResponseWriter(pw)
	go func() {
		defer func() {
			w.commit(http.StatusOK)
			_ = pw.Close()
		}()
		a.router.ServeHTTP(w, httpReq)
	}()

	select {
	case <-w.committed:
	case <-ctx.Done():
		_ = pr.CloseWithError(ctx.Err())
		return nil, ctx.Err()
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: w.status,
		Headers:    w.headers,
		Body:       pr,
	}, nil
}

func toHTTPRequest(ctx context.Context, req events.LambdaFunctionURLRequest) (*http.Request, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, fmt.Errorf("handler: decode body: %w", err)
		}
		body = decoded
	}

	path := req.RawPath
	if path == "" {
		path = req.RequestContext.HTTP.Path
	}
	if !strings.HasPrefix(path, "/api/") && path != "/metrics" && path != "/healthz" {
		path = "/api" + path
	}
	target := path
	if req.RawQueryString != "" {
		target += "?" + req.RawQueryString
	}

	method := req.RequestContext.HTTP.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("handler: build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// pipeResponseWriter is an http.ResponseWriter whose body goes into a pipe.
// The status and headers are frozen at the first WriteHeader or Write.
type pipeResponseWriter struct {
	header    http.Header
	pw        *io.PipeWriter
	once      sync.Once
	committed chan struct{}

	status  int
	headers map[string]string
}

func newPipeResponseWriter(pw *io.PipeWriter) *pipeResponseWriter {
	return &pipeResponseWriter{
		header:    http.Header{},
		pw:        pw,
		committed: make(chan struct{}),
	}
}

func (w *pipeResponseWriter) Header() http.Header {
	return w.header
}

func (w *pipeResponseWriter) WriteHeader(status int) {
	w.commit(status)
}

func (w *pipeResponseWriter) Write(p []byte) (int, error) {
	w.commit(http.StatusOK)
	return w.pw.Write(p)
}

// Flush is a no-op; every Write already reaches the reader.
func (w *pipeResponseWriter) Flush() {}

func (w *pipeResponseWriter) commit(status int) {
	w.once.Do(func() {
		w.status = status
		w.headers = make(map[string]string, len(w.header))
		for k, vs := range w.header {
			w.headers[k] = strings.Join(vs, ",")
		}
		close(w.committed)
	})
}
