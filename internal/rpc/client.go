package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls methods on a remote RPC server. A zero timeout means the
// caller bounds every call through its context.
type Client struct {
	baseURL string
	secret  []byte
	hc      *http.Client
}

func NewClient(baseURL string, secret []byte, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		hc:      &http.Client{Timeout: timeout},
	}
}

// Call invokes method with args and decodes the result into reply.
// reply may be nil for methods whose result the caller discards.
//
// Error mapping: ErrAuth when the peer rejects the signature, a
// context error when the deadline expires, ErrApplication (wrapped)
// when the remote handler fails, and the raw transport error otherwise.
func (c *Client) Call(ctx context.Context, method string, args, reply any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal %s args: %w", method, err)
	}

	env := Seal(c.secret, data, timeNow())
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", method, ErrAuth)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%s: %w: %s", method, ErrApplication, r.Error)
	}

	if reply != nil && len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, reply); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// IsAuth reports whether err is an authentication rejection.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }
