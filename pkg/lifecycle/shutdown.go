// Package lifecycle coordinates graceful shutdown of the daemon: stop
// the tickers, let in-flight materializations drain, then close the
// stores in registration order.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Closer is anything that needs cleanup during shutdown.
type Closer interface {
	Close() error
}

// closerFunc adapts a bare function to Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Manager tracks in-flight work and registered closers, and drains
// both on shutdown.
type Manager struct {
	mu sync.Mutex

	drainTimeout time.Duration
	draining     bool

	inFlight sync.WaitGroup
	closers  []Closer

	done chan struct{}
}

// NewManager creates a shutdown manager. drainTimeout bounds how long
// shutdown waits for in-flight work; zero means 30 seconds.
func NewManager(drainTimeout time.Duration) *Manager {
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	return &Manager{
		drainTimeout: drainTimeout,
		done:         make(chan struct{}),
	}
}

// Register adds a service to close during shutdown. Closers run in
// registration order.
func (m *Manager) Register(c Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, c)
}

// RegisterFunc registers a cleanup function.
func (m *Manager) RegisterFunc(fn func() error) {
	m.Register(closerFunc(fn))
}

// Begin marks the start of an in-flight operation. Returns false when
// the manager is draining and new work should be rejected.
func (m *Manager) Begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return false
	}
	m.inFlight.Add(1)
	return true
}

// End marks the completion of an in-flight operation.
func (m *Manager) End() {
	m.inFlight.Done()
}

// Draining reports whether shutdown has started.
func (m *Manager) Draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// Shutdown drains in-flight work, then closes registered services.
// Safe to call more than once; later calls wait for the first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.draining = true
	m.mu.Unlock()
	defer close(m.done)

	drained := make(chan struct{})
	go func() {
		m.inFlight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(m.drainTimeout):
		log.Printf("lifecycle: drain timeout after %s, closing anyway", m.drainTimeout)
	case <-ctx.Done():
	}

	var errs []error
	m.mu.Lock()
	closers := m.closers
	m.mu.Unlock()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Run executes fn under SIGINT/SIGTERM handling: the first signal
// cancels fn's context, and shutdown drains through the manager.
func (m *Manager) Run(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- fn(ctx)
	}()

	select {
	case err := <-errCh:
		if shutdownErr := m.Shutdown(context.Background()); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
		return err
	case sig := <-sigs:
		log.Printf("lifecycle: received %v, shutting down", sig)
		cancel()

		shutdownErr := m.Shutdown(context.Background())
		select {
		case err := <-errCh:
			if err != nil && err != context.Canceled {
				return err
			}
		case <-time.After(m.drainTimeout):
			return fmt.Errorf("shutdown timeout after %s", m.drainTimeout)
		}
		return shutdownErr
	}
}
