// Package service composes the registry, gate coordinator, relay, and
// sandbox into the run controller operations.
package service

import (
	"context"
	"sync"

	"github.com/xiaot623/applyrun/internal/adapter/sandbox"
	"github.com/xiaot623/applyrun/internal/config"
	"github.com/xiaot623/applyrun/internal/gate"
	"github.com/xiaot623/applyrun/internal/logger"
	"github.com/xiaot623/applyrun/internal/policy"
	"github.com/xiaot623/applyrun/internal/registry"
	"github.com/xiaot623/applyrun/internal/relay"
	"github.com/xiaot623/applyrun/internal/repository"
	"go.uber.org/zap"
)

// Sandbox is the automation sandbox the controller drives in pull mode.
type Sandbox interface {
	Start(ctx context.Context, req sandbox.StartRequest) (*sandbox.Session, error)
	Stream(ctx context.Context, sessionID string, handler sandbox.EventHandler) error
	Resume(ctx context.Context, sessionID string) error
	Release(ctx context.Context, sessionID string) error
}

// Linker resolves stored artifact references to fetchable URLs.
type Linker interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Admission decides whether a run may start.
type Admission interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error)
}

type Service struct {
	store    repository.Store
	registry *registry.Registry
	gates    *gate.Coordinator
	relay    *relay.Relay
	sandbox  Sandbox
	linker   Linker
	policy   Admission
	config   *config.Config
	logger   *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	producers map[string]context.CancelFunc
	waiters   map[string]bool
}

// New wires a service. sandboxClient, linker, and admission may be nil:
// without a sandbox the service runs in push mode only.
func New(store repository.Store, sandboxClient Sandbox, linker Linker, admission Admission, cfg *config.Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	rl := relay.New(cfg.SubscriberBuffer, logger.Component(log, "relay"))
	reg := registry.New(store, store, rl, logger.Component(log, "registry"))
	baseCtx, stop := context.WithCancel(context.Background())

	return &Service{
		store:     store,
		registry:  reg,
		gates:     gate.New(reg, logger.Component(log, "gate")),
		relay:     rl,
		sandbox:   sandboxClient,
		linker:    linker,
		policy:    admission,
		config:    cfg,
		logger:    logger.Component(log, "service"),
		baseCtx:   baseCtx,
		stop:      stop,
		producers: make(map[string]context.CancelFunc),
		waiters:   make(map[string]bool),
	}
}

// Shutdown stops producer goroutines and waits for them to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
