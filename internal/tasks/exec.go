package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"shopsync/internal/antibot"
	"shopsync/internal/requestqueue"
	"shopsync/internal/upstream"
)

// Exec is the shared marketplace call path for tasks: enqueue through the
// rate-limited queue, classify the response, and trip the antibot breaker on
// a 403 carrying an incident id. Every task request goes through here so the
// breaker sees every block.
type Exec struct {
	Queue    *requestqueue.Queue
	Upstream upstream.Doer
	Breaker  *antibot.Breaker

	// Retries for 429 outcomes (default 3).
	Retries int
}

// Do performs one marketplace request and decodes a 2xx JSON body into out
// (out may be nil for fire-and-forget calls).
func (e *Exec) Do(ctx context.Context, req *upstream.Request, out any) error {
	retries := e.Retries
	if retries <= 0 {
		retries = 3
	}
	return e.Queue.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		resp, err := e.Upstream.Do(ctx, req)
		if err != nil {
			return err
		}
		if resp.Status == http.StatusForbidden && e.Breaker != nil {
			if e.Breaker.Handle403(ctx, resp.Body, resp.URL) {
				return fmt.Errorf("%w (incident detected at %s)", antibot.ErrCaptchaPending, resp.URL)
			}
		}
		if err := upstream.Classify(resp); err != nil {
			return err
		}
		if out == nil || len(resp.Body) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", req.Method, req.Path, err)
		}
		return nil
	}, retries)
}
