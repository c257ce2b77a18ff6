// Package reconcile carries background sync notifications to the sync agent.
//
// When an optimistic background sync is confirmed by the client, the request
// the agent queued must be dropped again. The client tells the agent through
// a Channel; the agent listens on the other end.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// TypeRemoveBgSynced asks the agent to drop a queued request.
const TypeRemoveBgSynced = "removeBgSynced"

// RemovePath is where the agent accepts messages over HTTP.
const RemovePath = "/.bgsync/remove"

// DefaultSubject is the NATS subject and Redis channel messages are published on.
const DefaultSubject = "offline-fetch.bgsync"

type Message struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Method string `json:"method"`
}

// RemoveBgSynced returns the message dropping the queued request to url.
func RemoveBgSynced(url, method string) Message {
	return Message{Type: TypeRemoveBgSynced, URL: url, Method: method}
}

// Channel delivers messages to the sync agent.
type Channel interface {
	Notify(ctx context.Context, msg Message) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, msg Message) error

func (f ChannelFunc) Notify(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// HTTPChannel posts messages to the agent.
type HTTPChannel struct {
	// Endpoint is the full URL of the agent's remove endpoint.
	Endpoint string
	// Client to send with. http.DefaultClient if nil.
	Client *http.Client
}

// NewHTTPChannel returns a channel to the agent listening on baseURL.
func NewHTTPChannel(baseURL string) HTTPChannel {
	return HTTPChannel{Endpoint: baseURL + RemovePath}
}

func (c HTTPChannel) Notify(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to notify agent: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("failed to notify agent: %s", res.Status)
	}
	return nil
}
