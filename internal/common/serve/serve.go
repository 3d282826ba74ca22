package serve

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/crankbench/crank/internal/common/logging"
)

const shutdownTimeout = 5 * time.Second

// ListenAndServe listens on server.Addr, accepting at most maxConnections connections at a time
// when maxConnections is positive, and serves until ctx is cancelled. It returns nil after a shutdown.
func ListenAndServe(ctx context.Context, server *http.Server, maxConnections int, logger *log.Entry) error {
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return errors.WithStack(err)
	}
	if maxConnections > 0 {
		listener = netutil.LimitListener(listener, maxConnections)
	}
	return Serve(ctx, server, listener, logger)
}

// Serve is ListenAndServe on an existing listener.
func Serve(ctx context.Context, server *http.Server, listener net.Listener, logger *log.Entry) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.WithStacktrace(logger, err).Info("Failed to shut down server")
		}
	}()
	logger.Infof("Listening on %s", listener.Addr())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WithStack(err)
	}
	return nil
}
