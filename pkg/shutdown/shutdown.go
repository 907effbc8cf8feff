// Package shutdown runs registered hooks in priority order during pipeline
// teardown, each under its own timeout, so the stop sequence completes in
// bounded time even when a stage misbehaves.
package shutdown

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hook is one step of the shutdown sequence.
type Hook struct {
	Name     string
	Priority int // lower numbers run first
	Timeout  time.Duration
	Fn       func(context.Context) error
}

// Manager executes hooks in ascending priority order, exactly once.
type Manager struct {
	logger      *zap.Logger
	gracePeriod time.Duration

	mu    sync.Mutex
	hooks []Hook
	once  sync.Once
	err   error
	done  chan struct{}
}

// New creates a shutdown manager. gracePeriod bounds the whole sequence and
// is the default timeout for hooks that do not set their own.
func New(logger *zap.Logger, gracePeriod time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gracePeriod <= 0 {
		gracePeriod = 30 * time.Second
	}
	return &Manager{
		logger:      logger,
		gracePeriod: gracePeriod,
		done:        make(chan struct{}),
	}
}

// Add registers a hook, keeping the list sorted by priority.
func (m *Manager) Add(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = m.gracePeriod
	}

	inserted := false
	for i, h := range m.hooks {
		if hook.Priority < h.Priority {
			m.hooks = append(m.hooks[:i], append([]Hook{hook}, m.hooks[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		m.hooks = append(m.hooks, hook)
	}
}

// Execute runs every hook once, in priority order, and returns the first
// hook error. Subsequent calls wait for the first to finish and return the
// same result.
func (m *Manager) Execute() error {
	m.once.Do(func() {
		defer close(m.done)

		ctx, cancel := context.WithTimeout(context.Background(), m.gracePeriod)
		defer cancel()

		m.mu.Lock()
		hooks := make([]Hook, len(m.hooks))
		copy(hooks, m.hooks)
		m.mu.Unlock()

		m.logger.Info("Starting shutdown sequence",
			zap.Duration("grace_period", m.gracePeriod),
			zap.Int("hooks", len(hooks)),
		)

		start := time.Now()
		for _, hook := range hooks {
			if err := m.runHook(ctx, hook); err != nil && m.err == nil {
				m.err = err
			}
		}

		m.logger.Info("Shutdown sequence completed",
			zap.Duration("duration", time.Since(start)),
		)
	})
	<-m.done
	return m.err
}

// Done is closed once Execute has finished.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) runHook(ctx context.Context, hook Hook) error {
	hookCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- hook.Fn(hookCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			m.logger.Error("Shutdown hook failed",
				zap.String("name", hook.Name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return err
		}
		m.logger.Debug("Shutdown hook completed",
			zap.String("name", hook.Name),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	case <-hookCtx.Done():
		m.logger.Warn("Shutdown hook timed out",
			zap.String("name", hook.Name),
			zap.Duration("timeout", hook.Timeout),
		)
		return hookCtx.Err()
	}
}

// GenericHook builds a hook from a bare function.
func GenericHook(name string, priority int, timeout time.Duration, fn func(context.Context) error) Hook {
	return Hook{Name: name, Priority: priority, Timeout: timeout, Fn: fn}
}

// HTTPServerHook shuts an HTTP server down gracefully.
func HTTPServerHook(name string, priority int, server interface {
	Shutdown(context.Context) error
}) Hook {
	return Hook{
		Name:     name,
		Priority: priority,
		Timeout:  10 * time.Second,
		Fn:       server.Shutdown,
	}
}

// DatabaseHook closes a store or connection pool.
func DatabaseHook(name string, priority int, closer interface{ Close() error }) Hook {
	return Hook{
		Name:     name,
		Priority: priority,
		Timeout:  10 * time.Second,
		Fn: func(context.Context) error {
			return closer.Close()
		},
	}
}

// LoggerHook syncs the logger; it runs last so every other hook's output is
// flushed. Sync errors on stderr are ignored.
func LoggerHook(priority int, logger *zap.Logger) Hook {
	return Hook{
		Name:     "logger",
		Priority: priority,
		Timeout:  2 * time.Second,
		Fn: func(context.Context) error {
			_ = logger.Sync()
			return nil
		},
	}
}
