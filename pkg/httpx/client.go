package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON issues an HTTP request and returns the status code and
// body. Transport errors and 5xx answers are retried up to retries
// times with a fixed delay between attempts. Anything below 500 is
// returned as-is, the caller decides what a 4xx means.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		status, respBody, retry, err := attemptJSON(ctx, client, method, url, body, headers)
		if !retry {
			return status, respBody, err
		}
		lastErr = err
		if attempt == retries {
			if err != nil {
				return 0, nil, err
			}
			// Out of retries on a 5xx, hand the response back.
			return status, respBody, nil
		}
		time.Sleep(retryDelay)
	}
	return 0, nil, lastErr
}

func attemptJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (status int, respBody []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, false, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, true, err
	}
	defer resp.Body.Close()
	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, true, err
	}
	return resp.StatusCode, respBody, resp.StatusCode >= 500, nil
}
