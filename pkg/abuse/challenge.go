package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxVerifyResponse = 64 << 10

var errMalformedVerifyResponse = errors.New("malformed challenge verification response")

// HTTPVerifier posts a token to a siteverify-style endpoint and reads
// {"success": bool}. It makes exactly one attempt.
type HTTPVerifier struct {
	endpoint string
	secret   string
	client   *http.Client
}

func NewHTTPVerifier(endpoint, secret string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: timeout},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, token, remoteAddr string) (bool, error) {
	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteAddr != "" {
		form.Set("remoteip", remoteAddr)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("challenge verification request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("challenge verification returned status %d", resp.StatusCode)
	}

	var payload struct {
		Success    *bool    `json:"success"`
		ErrorCodes []string `json:"error-codes"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxVerifyResponse)).Decode(&payload); err != nil {
		return false, fmt.Errorf("%w: %v", errMalformedVerifyResponse, err)
	}
	if payload.Success == nil {
		return false, errMalformedVerifyResponse
	}
	return *payload.Success, nil
}
