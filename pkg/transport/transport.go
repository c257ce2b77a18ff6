// Package transport performs requests over net/http.
//
// It is the innermost layer of the pipeline. Successful responses carry
// their JSON body; non-2xx responses reject with *request.TransportError;
// a request that cannot reach the network resolves with request.Offline().
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/always-cache/offline-fetch/pkg/metrics"
	"github.com/always-cache/offline-fetch/pkg/request"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Client to send requests with. http.DefaultClient if nil.
	Client *http.Client
	// Logger to use. The global zerolog logger is used if nil.
	Logger  *zerolog.Logger
	Metrics *metrics.Collector
}

// New returns the transport.
func New(config Config) request.Func {
	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	t := &transport{client: client, log: logger, metrics: config.Metrics}
	return t.do
}

type transport struct {
	client  *http.Client
	log     zerolog.Logger
	metrics *metrics.Collector
}

func (t *transport) do(url string, opts request.Options) (*request.Pending, error) {
	ctx := opts.Signal
	if ctx == nil {
		ctx = opts.Ctx()
	}
	method := opts.MethodOrDefault()

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	for name, values := range opts.Header {
		req.Header.Del(name)
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	return request.Go(func() (*request.Response, error) {
		t.log.Trace().Str("method", method).Str("url", url).Msg("Sending request")
		upRes, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, request.ErrAborted
			}
			t.log.Debug().Err(err).Str("method", method).Str("url", url).Msg("Network unreachable, request is offline")
			t.metrics.Offline(method)
			return request.Offline(), nil
		}
		defer upRes.Body.Close()

		raw, err := io.ReadAll(upRes.Body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, request.ErrAborted
			}
			t.log.Debug().Err(err).Str("method", method).Str("url", url).Msg("Could not read response body")
			raw = nil
		}

		res := &request.Response{
			Status:     upRes.StatusCode,
			StatusText: http.StatusText(upRes.StatusCode),
			Header:     upRes.Header,
			Body:       parseJSON(raw),
		}
		if upRes.StatusCode < 200 || upRes.StatusCode >= 300 {
			return nil, &request.TransportError{Method: method, URL: url, Response: res}
		}
		applyEnvelope(res)
		if res.IsOffline() {
			t.metrics.Offline(method)
		}
		return res, nil
	}), nil
}

// parseJSON returns raw if it is valid JSON, nil otherwise.
func parseJSON(raw []byte) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}

type envelope struct {
	Status     *int    `json:"status"`
	StatusText *string `json:"statusText"`
}

// applyEnvelope lets a JSON object body carrying a statusText override the HTTP status.
func applyEnvelope(res *request.Response) {
	if len(res.Body) == 0 || res.Body[0] != '{' {
		return
	}
	var env envelope
	if err := json.Unmarshal(res.Body, &env); err != nil || env.StatusText == nil {
		return
	}
	res.StatusText = *env.StatusText
	if env.Status != nil {
		res.Status = *env.Status
	}
}
