package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Transport interface {
	Decide(ctx context.Context, in StateInput) (Decision, error)
	Health(ctx context.Context) (Health, error)
}

type HTTPTransport struct {
	baseURL string
	http    *http.Client
}

func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

func (t *HTTPTransport) Decide(ctx context.Context, in StateInput) (Decision, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Decision{}, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/decide", bytes.NewReader(payload))
	if err != nil {
		return Decision{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	var out wireDecision
	if err := t.do(req, &out); err != nil {
		return Decision{}, err
	}
	d, err := out.normalize()
	if err != nil {
		return Decision{}, backoff.Permanent(err)
	}
	return d, nil
}

func (t *HTTPTransport) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return Health{}, err
	}
	var out Health
	if err := t.do(req, &out); err != nil {
		return Health{}, err
	}
	return out, nil
}

// do marks client errors and undecodable bodies permanent so the retry
// loop only repeats transient failures.
func (t *HTTPTransport) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return nil
}
