package client

import (
	"context"
	"net/http"
)

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Transport sets Authorization: Bearer on every outgoing request.
type Transport struct {
	Base   http.RoundTripper
	Source TokenSource
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.Source.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base().RoundTrip(clone)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
