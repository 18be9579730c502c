package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shehryarbajwa/browserpilot/internal/session"
)

// shutdown stops accepting connections and tears down every session at the
// same time. SSE streams are plain handlers that only return once their
// session ends, so Shutdown alone would wait for the full timeout.
func shutdown(ctx context.Context, srv *http.Server, registry *session.Registry) error {
	sessionsDone := make(chan error, 1)
	srv.RegisterOnShutdown(func() {
		sessionsDone <- registry.Close(ctx)
	})

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	select {
	case err := <-sessionsDone:
		if err != nil {
			errs = append(errs, fmt.Errorf("session teardown: %w", err))
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("session teardown: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
