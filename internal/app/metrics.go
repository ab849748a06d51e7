package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/1ureka/meshcall/internal/telemetry"
	"github.com/1ureka/meshcall/internal/util"
)

// serveMetrics exposes /metrics on addr. The returned function shuts the
// listener down.
func serveMetrics(addr string, metrics *telemetry.Metrics) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start metrics endpoint: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("metrics endpoint stopped: %v", err)
		}
	}()
	util.LogInfo("metrics on http://%s/metrics", listener.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
