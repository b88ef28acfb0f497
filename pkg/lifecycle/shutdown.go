// Package lifecycle provides signal handling and ordered shutdown of the
// services started around a run.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Closer interface for services that need cleanup.
type Closer interface {
	Close() error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func() error

// Close implements Closer.
func (f CloserFunc) Close() error { return f() }

// ContextCloser adapts a context-aware shutdown function, such as
// http.Server.Shutdown, to Closer. The function gets timeout to finish.
func ContextCloser(timeout time.Duration, fn func(context.Context) error) Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return fn(ctx)
	})
}

type namedCloser struct {
	name string
	c    Closer
}

// ShutdownManager closes registered services in reverse registration order.
type ShutdownManager struct {
	mu sync.Mutex

	logger     *zap.Logger
	closers    []namedCloser
	shutdown   bool
	shutdownAt time.Time
	err        error
	done       chan struct{}
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(logger *zap.Logger) *ShutdownManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownManager{
		logger: logger,
		done:   make(chan struct{}),
	}
}

// RegisterCloser adds a service to be closed during shutdown. Services
// registered after shutdown started are closed immediately.
func (m *ShutdownManager) RegisterCloser(name string, c Closer) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		if err := c.Close(); err != nil {
			m.logger.Warn("close failed", zap.String("service", name), zap.Error(err))
		}
		return
	}
	m.closers = append(m.closers, namedCloser{name: name, c: c})
	m.mu.Unlock()
}

// IsShuttingDown reports whether Shutdown has been called.
func (m *ShutdownManager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Shutdown closes every registered service, last registered first, and
// returns their combined errors. Only the first call does any work; later
// calls return the same result.
func (m *ShutdownManager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		<-m.done
		return m.err
	}
	m.shutdown = true
	m.shutdownAt = time.Now()
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		nc := closers[i]
		if cerr := nc.c.Close(); cerr != nil {
			m.logger.Warn("close failed", zap.String("service", nc.name), zap.Error(cerr))
			err = multierr.Append(err, cerr)
			continue
		}
		m.logger.Debug("closed", zap.String("service", nc.name))
	}

	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	close(m.done)
	return err
}

// Wait blocks until shutdown is complete.
func (m *ShutdownManager) Wait() {
	<-m.done
}

// ShutdownAt returns when shutdown started, or the zero time.
func (m *ShutdownManager) ShutdownAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdownAt
}

// SignalContext returns a context canceled on SIGINT or SIGTERM. A second
// signal is left to the default handler, which terminates the process.
func SignalContext(parent context.Context, logger *zap.Logger) (context.Context, context.CancelFunc) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
