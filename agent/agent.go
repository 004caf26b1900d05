package agent

import (
	"sync"
	"time"

	"github.com/flowd-io/flowd/audit"
	"github.com/flowd-io/flowd/components"
	"github.com/flowd-io/flowd/config"
	"github.com/flowd-io/flowd/engine"
	"github.com/flowd-io/flowd/logger"
	"github.com/flowd-io/flowd/persistence"
	"github.com/flowd-io/flowd/persistence/memory"
	"github.com/flowd-io/flowd/persistence/redis"
	"github.com/flowd-io/flowd/registry"
	"github.com/flowd-io/flowd/rest"
	"github.com/flowd-io/flowd/service"
	"github.com/flowd-io/flowd/suspend"
	"go.opencensus.io/stats/view"
	"go.uber.org/zap/zapcore"
)

// Agent assembles and runs one flowd node: storage, registry, engine,
// suspend manager and the http surface.
type Agent struct {
	Config       config.Config
	flows        persistence.FlowRepository
	states       persistence.StateRepository
	suspensions  persistence.SuspensionRepository
	registry     *registry.Registry
	emitter      *audit.Emitter
	auditLane    *audit.AsyncSink
	engine       *engine.Engine
	suspension   *suspend.Manager
	flowService  *service.FlowExecutionService
	httpServer   *rest.Server
	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(conf config.Config) (*Agent, error) {
	a := &Agent{
		Config: conf,
	}
	setup := []func() error{
		a.setupStorage,
		a.setupRegistry,
		a.setupAudit,
		a.setupSuspendManager,
		a.setupEngine,
		a.setupFlowService,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStorage() error {
	if a.Config.StorageType == config.STORAGE_TYPE_REDIS {
		baseDao := redis.NewBaseDao(redis.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
			PoolSize:  a.Config.RedisConfig.PoolSize,
			Password:  a.Config.RedisConfig.Password,
		})
		a.flows = redis.NewRedisFlowDao(baseDao)
		a.states = redis.NewRedisStateDao(baseDao)
		a.suspensions = redis.NewRedisSuspensionDao(baseDao)
		return nil
	}
	a.flows = memory.NewFlowRepository()
	a.states = memory.NewStateRepository()
	a.suspensions = memory.NewSuspensionRepository()
	return nil
}

func (a *Agent) setupRegistry() error {
	a.registry = registry.New()
	return components.RegisterBuiltins(a.registry)
}

// Registry exposes the component catalog so embedders can register
// domain components before Start.
func (a *Agent) Registry() *registry.Registry {
	return a.registry
}

func (a *Agent) setupAudit() error {
	if err := view.Register(audit.Views()...); err != nil {
		return err
	}
	sink := audit.Sink(audit.NewRepositorySink(a.states))
	if a.Config.AuditLogPath != "" {
		fileSink, err := audit.NewLogFileSink(a.Config.AuditLogPath)
		if err != nil {
			return err
		}
		a.auditLane = audit.NewAsyncSink(fileSink, 1024, &a.wg)
		sink = audit.NewTeeSink(sink, a.auditLane)
	}
	a.emitter = audit.NewEmitter("flowd", sink)
	return nil
}

func (a *Agent) setupSuspendManager() error {
	sweepInterval := time.Duration(a.Config.SweepIntervalSeconds) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	a.suspension = suspend.NewManager(a.suspensions, sweepInterval, &a.wg)
	return nil
}

func (a *Agent) setupEngine() error {
	a.engine = engine.NewEngine(a.flows, a.states, a.registry, a.suspension, a.emitter, &a.wg)
	a.suspension.Bind(a.engine)
	return nil
}

func (a *Agent) setupFlowService() error {
	a.flowService = service.NewFlowExecutionService(a.flows, a.engine, a.suspension)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.flowService)
	return err
}

func (a *Agent) Start() error {
	if a.Config.LogLevel != "" {
		if level, err := zapcore.ParseLevel(a.Config.LogLevel); err == nil {
			logger.Configure(level)
		}
	}
	a.suspension.Start()
	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server stopped")
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			a.suspension.Stop()
			return nil
		},
		func() error {
			if a.auditLane != nil {
				a.auditLane.Stop()
			}
			return nil
		},
		func() error {
			a.wg.Wait()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("agent stopped")
	return nil
}
