package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/always-cache/offline-fetch/pkg/reconcile"
	serializer "github.com/always-cache/offline-fetch/pkg/request-serializer"

	"github.com/google/uuid"
)

// queuePrefix is the key prefix of queued requests in the provider.
const queuePrefix = "bgsync:"

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrNotQueued      = errors.New("no matching queued request")
)

// queueKeyFor returns a key ordering entries by queue time.
func queueKeyFor(queuedAt time.Time, id string) string {
	return fmt.Sprintf("%s%020d:%s", queuePrefix, queuedAt.UnixNano(), id)
}

func (a *Agent) enqueue(r *http.Request, body []byte) (string, error) {
	id := uuid.NewString()
	queuedAt := time.Now()

	req := r.Clone(context.Background())
	req.Body = io.NopCloser(bytes.NewReader(body))
	bts, err := serializer.QueuedRequestToBytes(serializer.QueuedRequest{
		ID:       id,
		Request:  req,
		QueuedAt: queuedAt,
	})
	if err != nil {
		return "", err
	}

	var expires time.Time
	if a.queueTTL > 0 {
		expires = queuedAt.Add(a.queueTTL)
	}
	if err := a.queue.Put(queueKeyFor(queuedAt, id), expires, bts); err != nil {
		return "", err
	}
	a.metrics.AgentQueued()
	return id, nil
}

// QueuedEntry is a queued request together with its queue key.
type QueuedEntry struct {
	Key string
	serializer.QueuedRequest
}

// Queued returns the queued requests, oldest first.
// Entries that cannot be read are purged.
func (a *Agent) Queued() ([]QueuedEntry, error) {
	entries, err := a.queue.All(queuePrefix)
	if err != nil {
		return nil, err
	}
	queued := make([]QueuedEntry, 0, len(entries))
	for _, e := range entries {
		q, err := serializer.BytesToQueuedRequest(e.Bytes)
		if err != nil {
			a.log.Error().Err(err).Str("key", e.Key).Msg("Could not read queued request, purging")
			a.queue.Purge(e.Key)
			continue
		}
		queued = append(queued, QueuedEntry{Key: e.Key, QueuedRequest: q})
	}
	return queued, nil
}

// Notify implements reconcile.Channel, so the agent can be notified in process.
func (a *Agent) Notify(ctx context.Context, msg reconcile.Message) error {
	if msg.Type != reconcile.TypeRemoveBgSynced {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, msg.Type)
	}
	return a.remove(msg.URL, msg.Method)
}

// remove drops the most recently queued request matching url and method.
func (a *Agent) remove(rawURL, method string) error {
	target, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	queued, err := a.Queued()
	if err != nil {
		return err
	}
	for i := len(queued) - 1; i >= 0; i-- {
		q := queued[i]
		if !strings.EqualFold(q.Request.Method, method) || !sameResource(q.Request.URL, target) {
			continue
		}
		a.log.Debug().Str("id", q.ID).Str("method", method).Str("url", rawURL).Msg("Removing queued request")
		return a.queue.Purge(q.Key)
	}
	return ErrNotQueued
}

// sameResource compares the path and query of two URLs, ignoring scheme and host.
func sameResource(a, b *url.URL) bool {
	return a.EscapedPath() == b.EscapedPath() && a.RawQuery == b.RawQuery
}

func (a *Agent) handleRemove(w http.ResponseWriter, r *http.Request) {
	logger := a.getLogger(r)
	var msg reconcile.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		logger.Warn().Err(err).Msg("Could not decode message")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	err := a.Notify(r.Context(), msg)
	switch {
	case errors.Is(err, ErrUnknownMessage):
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, ErrNotQueued):
		w.WriteHeader(http.StatusNotFound)
	case err != nil:
		logger.Error().Err(err).Msg("Could not remove queued request")
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type queuedJSON struct {
	ID       string    `json:"id"`
	Method   string    `json:"method"`
	URL      string    `json:"url"`
	QueuedAt time.Time `json:"queuedAt"`
}

func (a *Agent) handleQueue(w http.ResponseWriter, r *http.Request) {
	queued, err := a.Queued()
	if err != nil {
		a.getLogger(r).Error().Err(err).Msg("Could not list queued requests")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	list := make([]queuedJSON, 0, len(queued))
	for _, q := range queued {
		list = append(list, queuedJSON{
			ID:       q.ID,
			Method:   q.Request.Method,
			URL:      q.Request.URL.String(),
			QueuedAt: q.QueuedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}
