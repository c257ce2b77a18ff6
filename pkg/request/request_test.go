package request

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionDefaults(t *testing.T) {
	var opts Options
	assert.Equal(t, http.MethodGet, opts.MethodOrDefault())
	assert.NotNil(t, opts.Ctx())
	assert.Equal(t, "optimistic", opts.BgSync.Mode.String())
}

func TestResponseDecode(t *testing.T) {
	res := &Response{Status: 200, Body: []byte(`{"id":"12345"}`)}
	var body struct {
		ID string `json:"id"`
	}
	require.NoError(t, res.Decode(&body))
	assert.Equal(t, "12345", body.ID)

	empty := &Response{Status: 204}
	require.NoError(t, empty.Decode(&body))
	assert.Equal(t, "12345", body.ID)
}

func TestTransportErrorMessage(t *testing.T) {
	err := &TransportError{Method: "POST", URL: "/items", Response: &Response{Status: 500, StatusText: "Internal Server Error"}}
	assert.Equal(t, "POST /items: 500 Internal Server Error", err.Error())
	assert.Equal(t, 500, err.StatusCode())
}
