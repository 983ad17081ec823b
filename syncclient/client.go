// Package syncclient drives a replica against a remote sync peer: it
// pushes and pulls commit batches over HTTP and listens for pull hints
// on a websocket.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"teilen.sh/core/crr"
	"teilen.sh/core/log"
	"teilen.sh/core/syncer"
)

type Client struct {
	e      *crr.Engine
	base   string
	http   *http.Client
	logger *slog.Logger
}

type ClientOpt func(*Client)

func WithHTTPClient(h *http.Client) ClientOpt {
	return func(c *Client) {
		c.http = h
	}
}

func WithLogger(l *slog.Logger) ClientOpt {
	return func(c *Client) {
		c.logger = l
	}
}

// New returns a client for the peer at base, e.g. "http://localhost:5080".
func New(e *crr.Engine, base string, opts ...ClientOpt) *Client {
	c := &Client{
		e:      e,
		base:   base,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: log.New("syncclient"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Pull fetches and integrates the commits this replica is missing.
func (c *Client) Pull(ctx context.Context, docID string) (*syncer.PullApplyResult, error) {
	req, err := syncer.PreparePullRequest(c.e, docID)
	if err != nil {
		return nil, err
	}

	var resp syncer.PullResponse
	if err := c.do(ctx, http.MethodPut, "/pull-changes", req, &resp); err != nil {
		return nil, err
	}
	if resp.Code != http.StatusOK {
		return nil, fmt.Errorf("pull rejected: %d %s", resp.Code, resp.Message)
	}

	result, err := syncer.ApplyPull(ctx, c.e, &resp)
	if err != nil {
		return nil, err
	}

	c.logger.Info("pulled",
		"doc", docID,
		"commits", len(resp.Commits),
		"changes", len(resp.Changes),
	)
	return result, nil
}

// Push sends the commits the remote is missing. A needs-pull answer
// triggers a bounded pull-merge-retry loop: one retry usually
// suffices, but contention with other pushers can take a couple more,
// and backoff keeps retries from stampeding.
func (c *Client) Push(ctx context.Context, docID string) (*syncer.PushResponse, error) {
	var resp *syncer.PushResponse

	err := retry.Do(
		func() error {
			var err error
			resp, err = c.pushOnce(ctx, docID)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if resp.Status == syncer.StatusNeedsPull {
				if _, err := c.Pull(ctx, docID); err != nil {
					return retry.Unrecoverable(err)
				}
				return fmt.Errorf("push rejected, pulled and retrying")
			}
			return nil
		},
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(200*time.Millisecond),
		retry.MaxJitter(100*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil && resp == nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) pushOnce(ctx context.Context, docID string) (*syncer.PushResponse, error) {
	req, err := syncer.PreparePushCommits(c.e, docID)
	if err != nil {
		return nil, err
	}
	if len(req.Commits) == 0 {
		return &syncer.PushResponse{
			Status:     syncer.StatusNoCommits,
			Code:       syncer.StatusNoCommits.Code(),
			DocumentID: docID,
		}, nil
	}

	var resp syncer.PushResponse
	if err := c.do(ctx, http.MethodPost, "/push-changes", req, &resp); err != nil {
		return nil, err
	}

	if resp.Status == syncer.StatusOK {
		tip := req.Commits[len(req.Commits)-1].ID
		if err := c.e.SetLastPushed(docID, tip); err != nil {
			return nil, err
		}
		c.logger.Info("pushed", "doc", docID, "commits", len(req.Commits))
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	return json.NewDecoder(res.Body).Decode(out)
}
