// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.

package snaprd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// errTooManyRedirects is returned by resolveURL when a peer's snapshot URL
// redirects more than once; SNAPRD only follows the single hop from
// READING_FULL_URL_HTTP / READING_INCREMENTAL_URL_HTTP to the concrete
// object location.
var errTooManyRedirects = errors.New("snaprd: snapshot URL redirected more than once")

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > 1 {
				return errTooManyRedirects
			}
			return nil
		},
	}
}

// resolveURL performs the READING_FULL_URL_HTTP / READING_INCREMENTAL_URL_HTTP
// transition: it issues a HEAD request and surfaces the final, redirected
// location so the caller can move to the *_HTTP streaming state.
func resolveURL(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String(), nil
	}
	return url, nil
}

// openStream opens a streaming GET against url, retrying transient failures
// with an exponential backoff policy in place of the source's fixed
// ten-second retry-then-continue loop.
func openStream(ctx context.Context, client *http.Client, url string, bo backoff.BackOff) (io.ReadCloser, error) {
	var body io.ReadCloser
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return fmt.Errorf("snaprd: peer returned %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return backoff.Permanent(fmt.Errorf("snaprd: peer returned %s", resp.Status))
		}
		body = resp.Body
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// defaultBackoff mirrors the retry cadence of the source's fixed sleep
// loop, generalized into a proper exponential policy: intervals are capped
// at 10 seconds and openStream gives up after a bounded number of retries.
func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 5)
}
