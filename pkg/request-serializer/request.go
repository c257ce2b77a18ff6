// Package serializer stores requests queued for background sync as bytes.
//
// A queued request is kept in its HTTP/1.1 wire representation, with the
// queue metadata carried in extra headers that are removed again on read.
package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	queuedAtHeaderName  = "Ofetch-Queued-At"
	requestIDHeaderName = "Ofetch-Request-Id"
)

var ErrMissingMetadata = errors.New("queued request metadata missing")

type QueuedRequest struct {
	ID      string
	Request *http.Request
	// The value of the clock at the time the request was queued.
	QueuedAt time.Time
}

// QueuedRequestToBytes returns the wire representation of q.
// The body of q.Request is read and replaced, so it can still be used afterwards.
func QueuedRequestToBytes(q QueuedRequest) ([]byte, error) {
	body, err := readBody(q.Request)
	if err != nil {
		return nil, err
	}

	req := q.Request.Clone(q.Request.Context())
	req.Header.Set(queuedAtHeaderName, strconv.FormatInt(q.QueuedAt.UnixNano(), 10))
	req.Header.Set(requestIDHeaderName, q.ID)
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	// hop-by-hop and transfer headers are recreated by Write
	req.TransferEncoding = nil
	req.Close = false

	buf := &bytes.Buffer{}
	if err := req.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToQueuedRequest reads a queued request written by QueuedRequestToBytes.
// The returned request has its body fully buffered.
func BytesToQueuedRequest(b []byte) (QueuedRequest, error) {
	q := QueuedRequest{}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(b)))
	if err != nil {
		return q, err
	}
	if _, err := readBody(req); err != nil {
		return q, err
	}

	queuedAt, err := strconv.ParseInt(req.Header.Get(queuedAtHeaderName), 10, 64)
	if err != nil {
		return q, ErrMissingMetadata
	}
	q.ID = req.Header.Get(requestIDHeaderName)
	if q.ID == "" {
		return q, ErrMissingMetadata
	}
	q.QueuedAt = time.Unix(0, queuedAt)
	req.Header.Del(queuedAtHeaderName)
	req.Header.Del(requestIDHeaderName)
	q.Request = req
	return q, nil
}

// readBody reads the body of req and sets it back, so it can be read again.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
