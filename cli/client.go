package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"
)

// client talks to the bouncer admin API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   *retrier
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		retry:   newRetrier(250*time.Millisecond, 5*time.Second, 3),
	}
}

// call sends body as JSON and decodes a 2xx response into out, if non-nil.
func (c *client) call(method, path string, body, out any) error {
	return c.callAccepting(method, path, body, out)
}

// callAccepting is call with extra non-2xx statuses whose body is decoded into
// out like a success instead of being retried or returned as an error.
func (c *client) callAccepting(method, path string, body, out any, accepted ...int) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = raw
	}

	return c.retry.do(func() error {
		req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("failed to connect to server: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if (resp.StatusCode < 200 || resp.StatusCode > 299) && !slices.Contains(accepted, resp.StatusCode) {
			var apiErr struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(data, &apiErr)
			return newStatusError(resp, apiErr.Error)
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, out)
	})
}
