// Package waiting implements the waiting prober (spec §4.K): each
// waiting definition names an external dependency to probe before the
// mediator admits traffic, retried at its configured interval until
// success or until its own TimeoutMS elapses (WAITING_TIMEOUT).
//
// No single teacher file models this directly — cellorg's "support"
// service plays an adjacent discovery role but was out of scope (see
// DESIGN.md's agent-process-deployment deletion note) — so this is
// grounded directly on spec §4.J/§4.K's prose and
// original_source/unipipeline/__init__.py's UniWaiting export.
package waiting

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/relaymesh/relaymesh/definition"
	"github.com/relaymesh/relaymesh/internal/uerr"
)

// ProbeOnce runs w's probe exactly once and reports success/failure.
func ProbeOnce(ctx context.Context, w definition.Waiting) error {
	switch w.Kind {
	case definition.WaitingTCP:
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", w.Target)
		if err != nil {
			return err
		}
		return conn.Close()
	case definition.WaitingHTTP:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Target, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("waiting %q: status %d", w.Name, resp.StatusCode)
		}
		return nil
	case definition.WaitingCustom:
		if w.Probe == nil {
			return fmt.Errorf("waiting %q: custom kind requires a Probe function", w.Name)
		}
		return w.Probe(ctx)
	default:
		return fmt.Errorf("waiting %q: unknown kind %q", w.Name, w.Kind)
	}
}

// WaitUntilHealthy retries ProbeOnce at w's retry interval (default 1s)
// until it succeeds or w's TimeoutMS (default 30s) elapses, returning
// WAITING_TIMEOUT on the latter or when ctx is cancelled.
func WaitUntilHealthy(ctx context.Context, w definition.Waiting) error {
	timeout := time.Duration(w.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := time.Duration(w.RetryDelayMS) * time.Millisecond
	if retry <= 0 {
		retry = time.Second
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ProbeOnce(ctx, w); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return uerr.New(uerr.WaitingTimeout, fmt.Sprintf("waiting %q did not become healthy within %s", w.Name, timeout))
		}
		select {
		case <-ctx.Done():
			return uerr.Wrap(uerr.WaitingTimeout, "context cancelled while waiting for "+w.Name, ctx.Err())
		case <-time.After(retry):
		}
	}
}

// WaitAll waits for every waiting in ws, failing fast on the first
// WAITING_TIMEOUT. Matches mediator startup step 1 (spec §4.J).
func WaitAll(ctx context.Context, ws []definition.Waiting) error {
	for _, w := range ws {
		if err := WaitUntilHealthy(ctx, w); err != nil {
			return err
		}
	}
	return nil
}
