// Package service holds the long running services of the node.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vocdoni/ballotbox/api"
	"github.com/vocdoni/ballotbox/log"
)

const shutdownTimeout = 10 * time.Second

// APIService represents a service that manages the HTTP API server.
type APIService struct {
	conf   api.APIConfig
	API    *api.API
	mu     sync.Mutex
	cancel context.CancelFunc
	server *http.Server
	addr   net.Addr
	done   chan struct{}
}

// NewAPI creates a new APIService instance.
func NewAPI(conf api.APIConfig, disableLogging bool) *APIService {
	if disableLogging {
		api.DisabledLogging = disableLogging
		log.Debugw("API logging is disabled")
	}
	return &APIService{conf: conf}
}

// Start begins the API server. It returns an error if the service
// is already running or if it fails to listen.
func (as *APIService) Start(ctx context.Context) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.cancel != nil {
		return fmt.Errorf("service already running")
	}

	var err error
	as.API, err = api.New(&as.conf)
	if err != nil {
		return fmt.Errorf("failed to create API: %w", err)
	}
	hostPort := net.JoinHostPort(as.conf.Host, strconv.Itoa(as.conf.Port))
	listener, err := net.Listen("tcp", hostPort)
	if err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	as.addr = listener.Addr()
	baseCtx := ctx
	as.server = &http.Server{
		Handler:           as.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	ctx, as.cancel = context.WithCancel(ctx)

	server, done := as.server, make(chan struct{})
	as.done = done
	addr := as.addr.String()
	go func() {
		log.Infow("starting API server", "addr", addr)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw(err, "API server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		as.shutdown(server)
		close(done)
	}()
	return nil
}

// Stop halts the API server and waits for it to shut down.
func (as *APIService) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.cancel != nil {
		as.cancel()
		as.cancel = nil
		<-as.done
	}
}

func (as *APIService) shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warnw("API server shutdown", "error", err)
	}
}

// Addr returns the address the API server listens on, once started.
func (as *APIService) Addr() net.Addr {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.addr
}
