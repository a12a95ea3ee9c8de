package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/api/rest"
	"github.com/KevinKickass/OpenFarmCore/internal/api/websocket"
	"github.com/KevinKickass/OpenFarmCore/internal/archive"
	"github.com/KevinKickass/OpenFarmCore/internal/auth"
	"github.com/KevinKickass/OpenFarmCore/internal/automation"
	"github.com/KevinKickass/OpenFarmCore/internal/command"
	"github.com/KevinKickass/OpenFarmCore/internal/config"
	"github.com/KevinKickass/OpenFarmCore/internal/devices"
	"github.com/KevinKickass/OpenFarmCore/internal/events"
	"github.com/KevinKickass/OpenFarmCore/internal/interfaces"
	"github.com/KevinKickass/OpenFarmCore/internal/metrics"
	"github.com/KevinKickass/OpenFarmCore/internal/mqtt"
	"github.com/KevinKickass/OpenFarmCore/internal/storage"
	"github.com/KevinKickass/OpenFarmCore/internal/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name that tracks broker connectivity.
const HealthService = "openfarmcore.Transport"

const hubBuffer = 256

type LifecycleManager struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	store       storage.Store
	registry    *devices.Registry
	correlator  *command.Correlator
	dispatcher  *command.Dispatcher
	ingestor    *telemetry.Ingestor
	broadcaster *events.Broadcaster
	engine      *automation.Engine
	scheduler   *automation.Scheduler
	mqttClient  *mqtt.Client
	archiver    *archive.Archiver
	wsHub       *websocket.Hub
	verifier    *auth.Verifier

	restServer *rest.Server
	grpcServer *grpc.Server
	health     *health.Server

	runCancel context.CancelFunc
	hubDone   chan struct{}

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager builds every component and wires them together. The
// history store and the optional archive are opened here; nothing is started.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		metrics:      metrics.New(),
		currentState: StateInitializing,
		hubDone:      make(chan struct{}),
		shutdownChan: make(chan struct{}),
	}

	store, err := storage.Open(ctx, cfg.Database, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	lm.store = store

	lm.registry = devices.NewRegistry(cfg.Devices.OnlineThreshold, cfg.Devices.HistorySize, logger.Named("devices"))
	if path := cfg.Devices.ProvisioningFile; path != "" {
		n, err := lm.registry.ProvisionFromFile(path)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to load provisioning file: %w", err)
		}
		logger.Info("Devices provisioned from file", zap.String("path", path), zap.Int("count", n))
	}

	if cfg.Auth.Enabled {
		if !cfg.Auth.IsProductionReady() {
			logger.Warn("JWT secret is the development default or too short",
				zap.String("env", cfg.Auth.JWTSecretEnv))
		}
		lm.verifier = auth.NewVerifier(cfg.Auth.GetJWTSecret(), cfg.Auth.Issuer)
	} else {
		logger.Warn("Authentication disabled, every request has admin permissions")
	}

	lm.correlator = command.NewCorrelator(cfg.Commands.AckTimeout, lm.metrics, logger.Named("correlator"))
	lm.broadcaster = events.NewBroadcaster(cfg.Events.QueueSize, lm.registry, lm.metrics, logger.Named("events"))
	lm.ingestor = telemetry.NewIngestor(lm.registry, lm.correlator, cfg.Telemetry.QueueSize, lm.metrics, logger.Named("telemetry"))

	lm.mqttClient, err = mqtt.NewClient(cfg.MQTT, lm.ingestor, lm.metrics, logger.Named("mqtt"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create MQTT client: %w", err)
	}

	lm.dispatcher = command.NewDispatcher(lm.registry, lm.correlator, lm.mqttClient, lm.store, lm.broadcaster, lm.metrics, logger.Named("command"))
	lm.dispatcher.SetHistoryTimeout(cfg.Commands.HistoryTimeout)

	configs := automation.NewConfigStore(lm.store, logger.Named("automation"))
	lm.engine = automation.NewEngine(configs, lm.dispatcher, lm.broadcaster, lm.metrics, logger.Named("automation"))
	lm.engine.SetEnabled(cfg.Automation.Enabled)
	lm.scheduler = automation.NewScheduler(lm.dispatcher, lm.metrics, logger.Named("scheduler"))

	lm.ingestor.AddConsumer(lm.engine)
	lm.ingestor.AddConsumer(lm.broadcaster)

	if cfg.Archive.Enabled {
		sink, err := archive.OpenClickHouse(ctx, cfg.Archive, logger.Named("archive"))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to open telemetry archive: %w", err)
		}
		lm.archiver = archive.NewArchiver(sink, cfg.Archive.BatchSize, cfg.Archive.FlushInterval, lm.metrics, logger.Named("archive"))
		lm.ingestor.AddConsumer(lm.archiver)
	}

	lm.wsHub = websocket.NewHub(logger.Named("websocket"), lm.verifier, cfg.Events.AreaFailOpen)
	lm.wsHub.SetStatusProvider(lm)

	lm.health = health.NewServer()
	lm.mqttClient.OnConnectionChange(lm.onBrokerConnection)

	lm.registerGauges()

	return lm, nil
}

func (lm *LifecycleManager) registerGauges() {
	lm.metrics.RegisterGauge("ofc_pending_commands", "Commands awaiting acknowledgment.", func() float64 {
		return float64(lm.correlator.PendingCount())
	})
	lm.metrics.RegisterGauge("ofc_devices_online", "Devices with a recent heartbeat.", func() float64 {
		_, online := lm.registry.Count()
		return float64(online)
	})
	lm.metrics.RegisterGauge("ofc_websocket_clients", "Authenticated live feed clients.", func() float64 {
		return float64(lm.wsHub.GetClientCount())
	})
	lm.metrics.RegisterGauge("ofc_mqtt_connected", "1 while the broker connection is up.", func() float64 {
		if lm.mqttClient.IsConnected() {
			return 1
		}
		return 0
	})
}

// Start starts the entire system
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenFarmCore")

	if err := lm.engine.Configs().Load(ctx); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to load automation configs: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	lm.runCancel = cancel

	go lm.broadcaster.Run(runCtx)
	lm.ingestor.Start(runCtx)
	if lm.archiver != nil {
		go lm.archiver.Run(runCtx)
	}

	feed := lm.broadcaster.Subscribe(hubBuffer, events.Wildcard)
	go func() {
		defer close(lm.hubDone)
		defer feed.Close()
		lm.wsHub.Run(runCtx, feed.Events())
	}()

	if lm.config.Automation.SchedulesEnabled {
		lm.scheduler.Start()
	}

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	if err := lm.mqttClient.Start(ctx); err != nil {
		lm.setError(err)
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.setState(StateRunning)
	lm.broadcastStatus()

	total, _ := lm.registry.Count()
	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("devices", total),
		zap.Bool("automation_enabled", lm.config.Automation.Enabled),
		zap.Bool("archive_enabled", lm.archiver != nil),
		zap.Bool("auth_enabled", lm.verifier != nil))

	return nil
}

func (lm *LifecycleManager) onBrokerConnection(connected bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	lm.health.SetServingStatus("", status)
	lm.health.SetServingStatus(HealthService, status)
	lm.broadcastStatus()
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()

	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)
	lm.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	lm.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.wsHub, lm.verifier, lm.metrics)
	return lm.restServer.Start()
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// gracefulShutdown stops intake first, then resolves in-flight commands so
// their history is final, then tears down fan-out and storage.
func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// 1. Stop accepting API requests
	if lm.restServer != nil {
		restCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(restCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}

	// 2. No new scheduled or automatic commands
	if err := lm.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	lm.engine.SetEnabled(false)

	// 3. Cancel in-flight commands and deferred offs, then drop the broker
	if err := lm.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher stop failed: %w", err))
	}
	if err := lm.engine.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("automation stop failed: %w", err))
	}
	lm.mqttClient.Stop()

	// 4. Drain the telemetry pipeline
	lm.ingestor.Stop()
	if lm.runCancel != nil {
		lm.runCancel()
		select {
		case <-lm.hubDone:
		case <-ctx.Done():
		}
	}
	if lm.archiver != nil {
		select {
		case <-lm.archiver.Done():
		case <-ctx.Done():
		}
		if err := lm.archiver.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	// 5. gRPC and storage
	if lm.grpcServer != nil {
		lm.logger.Info("Stopping gRPC server")
		lm.health.Shutdown()
		lm.grpcServer.GracefulStop()
	}
	lm.store.Close()

	if err := errors.Join(errs...); err != nil {
		lm.logger.Warn("Shutdown completed with errors", zap.Error(err))
		return err
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Ignoring state change", zap.Error(err))
		return
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

func (lm *LifecycleManager) state() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	total, online := lm.registry.Count()

	return interfaces.SystemStatus{
		State:            lm.state().String(),
		DeviceCount:      total,
		OnlineDevices:    online,
		PendingCommands:  lm.correlator.PendingCount(),
		ConnectedClients: lm.wsHub.GetClientCount(),
		MQTTConnected:    lm.mqttClient.IsConnected(),
		Schedules:        len(lm.scheduler.List("")),
	}
}

// broadcastStatus pushes the system status to every live feed client.
func (lm *LifecycleManager) broadcastStatus() {
	lm.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, lm.GetCurrentStatus()))
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Registry() *devices.Registry {
	return lm.registry
}

func (lm *LifecycleManager) Dispatcher() *command.Dispatcher {
	return lm.dispatcher
}

func (lm *LifecycleManager) Automation() *automation.Engine {
	return lm.engine
}

func (lm *LifecycleManager) Scheduler() *automation.Scheduler {
	return lm.scheduler
}

func (lm *LifecycleManager) History() storage.HistoryStore {
	return lm.store
}
