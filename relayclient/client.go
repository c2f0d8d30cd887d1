// SPDX-License-Identifier: LGPL-3.0-or-later

// Package relayclient implements the signed HTTP client agents use to
// talk to a relay: registry lookups, contact management, presence,
// and group operations, all authenticated via a per-request Ed25519
// signature rather than a bearer token.
package relayclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cc4me/agentmesh/internal/errs"
	"golang.org/x/sync/singleflight"
)

// Client is a signed HTTP client for one relay.
type Client struct {
	baseURL    string
	username   string
	privateKey ed25519.PrivateKey
	httpClient *http.Client

	sf singleflight.Group
}

// New creates a client that signs every request as username using priv.
func New(baseURL, username string, priv ed25519.PrivateKey) *Client {
	return &Client{
		baseURL:    baseURL,
		username:   username,
		privateKey: priv,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// signingString builds the string signed for a request, per the
// relay's authentication scheme: "{METHOD} {PATH}\n{timestamp}\n{sha256hex(body)}".
func signingString(method, path, timestamp string, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%s %s\n%s\n%s", method, path, timestamp, hex.EncodeToString(sum[:]))
}

// do issues a signed request against path with the given body (nil for none).
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	sig := ed25519.Sign(c.privateKey, []byte(signingString(method, path, timestamp, body)))

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errs.Internal(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("Authorization", fmt.Sprintf("Signature %s:%s", c.username, base64.StdEncoding.EncodeToString(sig)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Transient(err, "relay request failed")
	}
	return resp, nil
}

// Get issues a signed GET and decodes a JSON response into out, using
// singleflight to collapse concurrent identical lookups (keyed on
// path) into a single in-flight request.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	v, err, _ := c.sf.Do("GET "+path, func() (any, error) {
		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, errs.Transient(readErr, "read response body")
		}
		return responseBody{status: resp.StatusCode, data: data}, nil
	})
	if err != nil {
		return err
	}
	rb := v.(responseBody)
	return decodeOrError(rb, out)
}

// Post issues a signed POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.send(ctx, http.MethodPost, path, in, out)
}

// Put issues a signed PUT with a JSON body and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.send(ctx, http.MethodPut, path, in, out)
}

// Delete issues a signed DELETE and decodes the response into out.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.send(ctx, http.MethodDelete, path, nil, out)
}

// BaseURL returns the relay URL this client talks to, used by the
// community manager to resolve qualified "user@hostname" names.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) send(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errs.Internal(err, "marshal request body")
		}
		body = b
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Transient(err, "read response body")
	}
	return decodeOrError(responseBody{status: resp.StatusCode, data: data}, out)
}

type responseBody struct {
	status int
	data   []byte
}

func decodeOrError(rb responseBody, out any) error {
	if rb.status >= 400 {
		var env errs.Envelope
		if err := json.Unmarshal(rb.data, &env); err == nil && env.Error.Kind != "" {
			return errs.New(env.Error.Kind, env.Error.Message)
		}
		return errs.Transient(fmt.Errorf("status %d", rb.status), "relay returned error status")
	}
	if out == nil || len(rb.data) == 0 {
		return nil
	}
	if err := json.Unmarshal(rb.data, out); err != nil {
		return errs.Internal(err, "decode relay response")
	}
	return nil
}
