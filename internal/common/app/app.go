package app

import (
	"context"
	"os/signal"
	"syscall"
)

// CreateContextWithShutdown returns a context that is cancelled on the first SIGINT or SIGTERM.
// Agents rely on this to force-terminate running jobs and remove their resource scopes on shutdown;
// a second signal gets the default behaviour and kills the process.
func CreateContextWithShutdown() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}
