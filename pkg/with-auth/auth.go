// Package withauth adds the bearer token of an OAuth2 token source to requests.
package withauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/always-cache/offline-fetch/pkg/request"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Scheme of the Authorization header.
const Scheme = "BEARER"

// New returns the auth middleware. A nil logger uses the global zerolog logger.
func New(logger *zerolog.Logger) request.Middleware {
	l := log.Logger
	if logger != nil {
		l = *logger
	}

	return func(next request.Func) request.Func {
		return func(url string, opts request.Options) (*request.Pending, error) {
			auth := opts.Auth
			opts.Auth = request.AuthOptions{}
			if auth.Client == nil {
				return next(url, opts)
			}

			return request.Deferred(opts.Ctx(), func(ctx context.Context, attach func(*request.Pending)) (*request.Response, error) {
				token, err := Token(auth.Client)
				if err != nil {
					if auth.OnError == nil {
						return nil, err
					}
					if err := auth.OnError(err); err != nil {
						return nil, err
					}
					l.Debug().Str("url", url).Msg("Token error ignored, request is sent without authorization")
				}
				if ctx.Err() != nil {
					return nil, request.ErrAborted
				}

				if token != "" {
					header := opts.Header.Clone()
					if header == nil {
						header = http.Header{}
					}
					header.Set("Authorization", Scheme+" "+token)
					opts.Header = header
				}

				pending, err := next(url, opts)
				if err != nil {
					return nil, err
				}
				attach(pending)
				return pending.Wait()
			}), nil
		}
	}
}

// Token returns the id_token of the current token of src, or its access
// token if it has no id_token.
func Token(src oauth2.TokenSource) (string, error) {
	token, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}
	if id, ok := token.Extra("id_token").(string); ok && id != "" {
		return id, nil
	}
	return token.AccessToken, nil
}
