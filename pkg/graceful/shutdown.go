package graceful

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gap-service/donation_service/pkg/logger"
)

const defaultTimeout = 30 * time.Second

// Shutdowner is a component stopped during graceful shutdown
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ShutdownFunc adapts a plain function to Shutdowner
type ShutdownFunc func(ctx context.Context) error

func (f ShutdownFunc) Shutdown(ctx context.Context) error { return f(ctx) }

type ShutdownManager struct {
	server      *http.Server
	shutdowners []Shutdowner
	timeout     time.Duration
	logger      *logger.Logger
}

func NewShutdownManager(server *http.Server, logger *logger.Logger) *ShutdownManager {
	return &ShutdownManager{
		server:      server,
		shutdowners: make([]Shutdowner, 0),
		timeout:     defaultTimeout,
		logger:      logger,
	}
}

// WithTimeout overrides the overall shutdown deadline
func (sm *ShutdownManager) WithTimeout(timeout time.Duration) *ShutdownManager {
	if timeout > 0 {
		sm.timeout = timeout
	}
	return sm
}

// Register adds a component. Components stop in registration order after
// the HTTP server has drained.
func (sm *ShutdownManager) Register(s Shutdowner) {
	sm.shutdowners = append(sm.shutdowners, s)
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then shuts everything down
func (sm *ShutdownManager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	sig := <-quit

	sm.logger.Info("Shutting down gracefully...", "signal", sig.String())
	sm.Shutdown()
}

// Shutdown drains the server and stops registered components
func (sm *ShutdownManager) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.Error("Server forced shutdown", "error", err)
		}
	}

	for _, s := range sm.shutdowners {
		if err := s.Shutdown(ctx); err != nil {
			sm.logger.Warn("Component shutdown error", "error", err)
		}
	}

	sm.logger.Info("Shutdown complete")
}
