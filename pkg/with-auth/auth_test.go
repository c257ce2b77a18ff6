package withauth

import (
	"errors"
	"net/http"
	"testing"

	"github.com/always-cache/offline-fetch/pkg/request"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type failingSource struct{ err error }

func (f failingSource) Token() (*oauth2.Token, error) {
	return nil, f.err
}

func capture(seen *request.Options) request.Func {
	return func(url string, opts request.Options) (*request.Pending, error) {
		*seen = opts
		return request.Resolved(&request.Response{Status: 200}), nil
	}
}

func idTokenSource(id string) oauth2.TokenSource {
	token := (&oauth2.Token{AccessToken: "access"}).WithExtra(map[string]interface{}{"id_token": id})
	return oauth2.StaticTokenSource(token)
}

func TestWithoutClientPassesThrough(t *testing.T) {
	var seen request.Options
	p, err := New(nil)(capture(&seen))("mockUrl", request.Options{Header: http.Header{"X-Custom": {"1"}}})
	require.NoError(t, err)
	_, err = p.Wait()
	require.NoError(t, err)
	assert.Empty(t, seen.Header.Get("Authorization"))
	assert.Equal(t, "1", seen.Header.Get("X-Custom"))
}

func TestSetsIDToken(t *testing.T) {
	var seen request.Options
	header := http.Header{"X-Custom": {"1"}}
	p, err := New(nil)(capture(&seen))("mockUrl", request.Options{
		Header: header,
		Auth:   request.AuthOptions{Client: idTokenSource("the-id-token")},
	})
	require.NoError(t, err)
	res, err := p.Wait()
	require.NoError(t, err)

	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "BEARER the-id-token", seen.Header.Get("Authorization"))
	assert.Equal(t, "1", seen.Header.Get("X-Custom"))
	assert.Nil(t, seen.Auth.Client, "auth options must not reach the inner call")
	assert.Empty(t, header.Get("Authorization"), "the caller's headers are not modified")
}

func TestFallsBackToAccessToken(t *testing.T) {
	var seen request.Options
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "access"})
	p, err := New(nil)(capture(&seen))("mockUrl", request.Options{Auth: request.AuthOptions{Client: src}})
	require.NoError(t, err)
	_, err = p.Wait()
	require.NoError(t, err)
	assert.Equal(t, "BEARER access", seen.Header.Get("Authorization"))
}

func TestTokenErrorRejects(t *testing.T) {
	var seen request.Options
	p, err := New(nil)(capture(&seen))("mockUrl", request.Options{Auth: request.AuthOptions{Client: failingSource{assert.AnError}}})
	require.NoError(t, err)
	_, err = p.Wait()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestOnErrorTranslates(t *testing.T) {
	loginRequired := errors.New("login required")
	var seen request.Options
	p, err := New(nil)(capture(&seen))("mockUrl", request.Options{Auth: request.AuthOptions{
		Client:  failingSource{assert.AnError},
		OnError: func(error) error { return loginRequired },
	}})
	require.NoError(t, err)
	_, err = p.Wait()
	assert.ErrorIs(t, err, loginRequired)
}

func TestOnErrorSwallows(t *testing.T) {
	var seen request.Options
	p, err := New(nil)(capture(&seen))("mockUrl", request.Options{Auth: request.AuthOptions{
		Client:  failingSource{assert.AnError},
		OnError: func(error) error { return nil },
	}})
	require.NoError(t, err)
	res, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Empty(t, seen.Header.Get("Authorization"))
}

func TestCancelReachesInnerCall(t *testing.T) {
	cancelled := make(chan struct{})
	inner := func(url string, opts request.Options) (*request.Pending, error) {
		p := request.Go(func() (*request.Response, error) {
			<-cancelled
			return nil, request.ErrAborted
		})
		return p.WithCancel(func() { close(cancelled) }), nil
	}
	p, err := New(nil)(inner)("mockUrl", request.Options{Auth: request.AuthOptions{Client: idTokenSource("id")}})
	require.NoError(t, err)
	p.Cancel()
	_, err = p.Wait()
	assert.ErrorIs(t, err, request.ErrAborted)
}
