// Package app wires the dependency graph and owns the process lifecycle.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voltcore/internal/api"
	"voltcore/internal/config"
	"voltcore/internal/events"
	"voltcore/internal/handlers"
	"voltcore/internal/ocpp"
	"voltcore/internal/ocpp/protocol"
	"voltcore/internal/registry"
	"voltcore/internal/schema"
	"voltcore/internal/session"
	"voltcore/internal/state"
	"voltcore/internal/storage"
	"voltcore/internal/ws"
)

// App holds the running parts of the central system.
type App struct {
	cfg        *config.Config
	httpServer *http.Server
	reg        *registry.Registry
	stateStore *state.Store
	pending    *ocpp.PendingLedger
	pool       *pgxpool.Pool
	redisCli   *redis.Client
	natsMirror *events.NatsMirror
	logger     *zap.Logger
}

// New builds the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	bus := events.NewBus(0)
	if cfg.Nats.URL != "" {
		mirror, err := events.NewNatsMirror(cfg.Nats.URL, logger)
		if err != nil {
			return nil, err
		}
		a.natsMirror = mirror
		bus.WithMirror(mirror)
	}

	stateStore := state.NewStore()
	stateStore.OnBackgroundChange(func(deviceID string, connectorID int, c state.Connector) {
		bus.Publish(events.TypeStatusChanged, deviceID, map[string]interface{}{
			"connectorId": connectorID,
			"status":      c.Status,
			"errorCode":   c.ErrorCode,
		})
	})
	a.stateStore = stateStore

	reg := registry.New()
	reg.OnRemove(stateStore.DropDevice)
	a.reg = reg

	var authorizer handlers.IdTagAuthorizer
	if cfg.Redis.Addr != "" {
		client, err := storage.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			return nil, err
		}
		a.redisCli = client
		presence := storage.NewRedisPresence(client, logger)
		reg.WithPresence(presence)
		authorizer = presence
	}

	ledger := session.NewLedger(
		storage.NewFileSnapshot(cfg.SnapshotPath()),
		cfg.TariffPerKWh(),
		cfg.MaxPowerKW(),
		logger,
	)
	tracker := session.NewMeterTracker(cfg.MeterThrottle())

	codec := ocpp.NewCodec()
	pending := ocpp.NewPendingLedger()
	a.pending = pending
	router := ocpp.NewRouter()
	validator := schema.New()
	processor := ocpp.NewProcessor(codec, router, pending, func(payload json.RawMessage, schemaName string) (bool, string) {
		result := validator.Validate(payload, schemaName)
		return result.Valid, result.FirstError()
	}, logger)

	var persister handlers.TransactionPersister
	var devices handlers.DevicePersister
	if cfg.Database.DSN != "" {
		pool, err := storage.NewPostgresPool(context.Background(), cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		persister = storage.NewTransactionRepository(pool)
		devices = storage.NewDeviceRepository(pool)
		processor.WithMessageLog(storage.NewMessageLogRepository(pool))
	}

	sender := ocpp.NewSender(reg, pending, codec, logger)
	coordinator := api.NewCoordinator(sender, bus, cfg.ActionTimeout(), logger)
	processor.WithReplyHandler(api.NewReplies(bus, logger))

	router.Register(protocol.ActionBootNotification, handlers.NewBootNotificationHandler(reg, devices, cfg.HeartbeatInterval(), logger))
	router.Register(protocol.ActionHeartbeat, handlers.NewHeartbeatHandler(reg))
	router.Register(protocol.ActionAuthorize, handlers.NewAuthorizeHandler(authorizer, logger))
	router.Register(protocol.ActionStatusNotification, handlers.NewStatusNotificationHandler(stateStore, reg, bus, logger))
	router.Register(protocol.ActionStartTransaction, handlers.NewStartTransactionHandler(ledger, stateStore, bus, coordinator, persister, authorizer, logger))
	router.Register(protocol.ActionStopTransaction, handlers.NewStopTransactionHandler(ledger, stateStore, tracker, bus, coordinator, persister, logger))
	router.Register(protocol.ActionMeterValues, handlers.NewMeterValuesHandler(tracker, bus, logger))

	deviceServer := ws.NewServer(reg, processor, bus, ws.Credentials{
		User:       cfg.Auth.DeviceUser,
		SecretHash: cfg.Auth.DeviceSecretHash,
	}, cfg.WriteTimeout(), cfg.PingInterval(), logger)

	apiServer := api.NewServer(
		api.NewAuthenticator(cfg.Auth.JWTSecret),
		coordinator,
		sender,
		stateStore,
		reg,
		ledger,
		bus,
		logger,
	)

	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Get("/ocpp", deviceServer.HandleWS)
	mux.Get("/api/ws", apiServer.HandleWS)

	a.httpServer = &http.Server{
		Addr:        cfg.HTTPAddress(),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return a, nil
}

// Run starts the background sweeps and the HTTP server, blocking until the
// context is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	go a.runSweeps(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("central system listening", zap.String("addr", a.httpServer.Addr))
		errCh <- a.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (a *App) runSweeps(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, swept := range a.stateStore.SweepReservations() {
				a.logger.Info("reservation expired",
					zap.String("device_id", swept.DeviceID),
					zap.Int("connector_id", swept.ConnectorID),
					zap.Int("reservation_id", swept.ReservationID))
			}
			if removed := a.pending.SweepExpired(a.cfg.PendingTTL()); removed > 0 {
				a.logger.Warn("dropped unanswered commands", zap.Int("count", removed))
			}
		}
	}
}

// shutdown stops accepting new connections, waits for devices to drain
// (polled at 1s) up to the hard deadline, then force-closes the rest.
func (a *App) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.httpServer.Shutdown(shutdownCtx)

	deadline := time.Now().Add(a.cfg.DrainDeadline())
	for a.reg.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Second)
	}
	if remaining := a.reg.Count(); remaining > 0 {
		a.logger.Warn("force closing remaining devices", zap.Int("count", remaining))
		a.reg.CloseAll()
	}
	return err
}

// Close releases external resources.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redisCli != nil {
		if err := a.redisCli.Close(); err != nil {
			a.logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if a.natsMirror != nil {
		a.natsMirror.Close()
	}
}
