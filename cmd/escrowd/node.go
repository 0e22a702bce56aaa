package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"deedescrow/config"
	"deedescrow/core/events"
	"deedescrow/core/genesis"
	"deedescrow/core/state"
	"deedescrow/native/bank"
	"deedescrow/native/deeds"
	"deedescrow/native/escrow"
	"deedescrow/observability"
	"deedescrow/rpc"
	"deedescrow/rpc/auth"
	"deedescrow/storage"
	"deedescrow/storage/audit"
)

// node owns the persistent stores and the RPC server of one escrow authority.
type node struct {
	db     storage.Database
	audit  *audit.Store
	engine *escrow.Engine
	server *rpc.Server
}

// eventLogger mirrors every emitted event into the debug log.
type eventLogger struct {
	logger *slog.Logger
}

func (l eventLogger) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	attrs := []any{slog.String("type", evt.EventType())}
	if payload, ok := evt.(events.Payload); ok {
		if id := payload.Event().Attr("assetId"); id != "" {
			attrs = append(attrs, slog.String("assetId", id))
		}
	}
	l.logger.Debug("event emitted", attrs...)
}

func newNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	roles, err := cfg.Roles()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.Open(cfg.StateBackend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	n := &node{db: db}
	ok := false
	defer func() {
		if !ok {
			n.Close()
		}
	}()

	ledgerState := state.NewManager(db, "ledger")
	ledger := bank.NewLedger(ledgerState)
	registry := deeds.NewRegistry(state.NewManager(db, "deeds"))
	history := events.NewHistory(
		events.WithCapacity(cfg.Events.HistorySize),
		events.WithTTL(cfg.Events.TTL()),
	)
	emitter := events.MultiEmitter{history, eventLogger{logger: logger}}
	registry.SetEmitter(emitter)

	engine, err := escrow.NewEngine(escrow.Config{
		Authority: roles.Authority,
		Registry:  deeds.NewCustodian(registry, roles.Authority),
		Seller:    roles.Seller,
		Inspector: roles.Inspector,
		Lender:    roles.Lender,
	}, ledgerState)
	if err != nil {
		return nil, err
	}
	engine.SetEmitter(emitter)
	engine.SetLogger(logger)
	engine.SetMetrics(observability.Escrow())
	n.engine = engine

	applied, err := genesis.Apply(ctx, cfg.Genesis, roles.Authority, ledgerState, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("apply genesis: %w", err)
	}
	if !applied {
		logger.Info("genesis already applied")
	}
	pool, err := engine.Balance(ctx)
	if err != nil {
		return nil, err
	}
	observability.Escrow().SetPoolBalance(pool)

	if err := os.MkdirAll(filepath.Dir(cfg.AuditDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	store, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	n.audit = store

	authenticator := auth.NewAuthenticator(cfg.RPC.TimestampSkew(), cfg.RPC.NonceTTL(), 0, nil, store)
	if err := authenticator.HydrateNonces(ctx, time.Now().Add(-cfg.RPC.NonceTTL())); err != nil {
		return nil, err
	}
	server, err := rpc.NewServer(rpc.Options{
		Engine:  engine,
		Ledger:  ledger,
		Deeds:   registry,
		History: history,
		Auth:    authenticator,
		Audit:   store,
		RateLimit: rpc.RateLimit{
			RequestsPerMinute: float64(cfg.RPC.RequestsPerMinute),
			Burst:             cfg.RPC.Burst,
		},
		Logger:  logger,
		Tracing: cfg.Telemetry.Traces,
	})
	if err != nil {
		return nil, err
	}
	n.server = server
	ok = true
	return n, nil
}

func (n *node) Handler() http.Handler { return n.server.Handler() }

// Close releases the audit store and the state database.
func (n *node) Close() error {
	var errs []error
	if n.audit != nil {
		errs = append(errs, n.audit.Close())
	}
	if n.db != nil {
		n.db.Close()
	}
	return errors.Join(errs...)
}
