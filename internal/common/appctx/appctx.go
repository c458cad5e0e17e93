// Package appctx provides context helpers for background operations that
// must outlive the HTTP request that triggered them.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context independent of the parent's cancellation, bounded
// by timeout and by stopCh (closed on process shutdown). Use this for
// best-effort persistence work (decision writes, materialization) that must
// run to completion even after the originating request has returned.
func Detached(stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
