package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"futuresbridge/internal/api"
	"futuresbridge/internal/broker"
	"futuresbridge/internal/broker/refbroker"
	"futuresbridge/internal/brokerws"
	"futuresbridge/internal/clockid"
	"futuresbridge/internal/config"
	"futuresbridge/internal/copytrade"
	"futuresbridge/internal/execengine"
	"futuresbridge/internal/instrument"
	"futuresbridge/internal/listeners"
	"futuresbridge/internal/models"
	"futuresbridge/internal/positionmirror"
	"futuresbridge/internal/reconcile"
	"futuresbridge/internal/repository"
	"futuresbridge/internal/signalstore"
	"futuresbridge/internal/tokendaemon"
	"futuresbridge/internal/tradeledger"
	"futuresbridge/internal/webhook"
	"futuresbridge/pkg/crypto"
	"futuresbridge/pkg/ratelimit"
	"futuresbridge/pkg/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(utils.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatal("failed to connect to database", utils.Err(err))
	}
	defer db.Close()
	log.Info("connected to database")

	accounts := repository.NewAccountRepository(db)
	strategies := repository.NewStrategyRepository(db)
	traders := repository.NewTraderRepository(db)
	positions := repository.NewPositionRepository(db)
	trades := repository.NewTradeRepository(db)
	signals := repository.NewSignalRepository(db)
	orderRefs := repository.NewOrderRefRepository(db)

	encryptionKey := []byte(cfg.Security.EncryptionKey)
	authHeader := func(acct broker.AccountRef) (string, error) {
		var acctRow *models.BrokerAccount
		var err error
		if acct.BrokerAccountID != 0 {
			acctRow, err = accounts.Get(context.Background(), acct.BrokerAccountID)
		} else {
			acctRow, err = accounts.GetByTokenKey(context.Background(), acct.SubaccountID)
		}
		if err != nil {
			return "", err
		}
		return crypto.Decrypt(string(acctRow.AuthMaterialEncrypted), encryptionKey)
	}

	limiter := ratelimit.NewMultiLimiter()
	brokerRate := float64(cfg.Broker.RateLimitGuard) / 60.0
	brokerCfg := refbroker.DefaultClientConfig(cfg.Broker.BaseURL)
	brokerCfg.TotalTimeout = cfg.Broker.RESTCallTimeout
	brokerClient := refbroker.New(brokerCfg, authHeader, limiter, brokerRate, brokerRate*2)
	defer brokerClient.Close()

	registry := instrument.DefaultRegistry
	clock := clockid.Real

	mirror := positionmirror.New(positions, registry)
	if err := mirror.Load(context.Background()); err != nil {
		log.Fatal("failed to load position mirror", utils.Err(err))
	}
	ledger := tradeledger.New(trades)
	signalStore := signalstore.New(signals, log)

	wsDialer := refbroker.NewWSDialer(refbroker.DefaultWSDialerConfig(cfg.Broker.BaseURL), authHeader, nil)
	wsManager := brokerws.NewManager(wsDialer, clock, log)

	engine := execengine.New(
		execengine.Config{
			Workers:       cfg.Engine.ExecutorWorkers,
			TaskDeadline:  cfg.Engine.TaskDeadline,
			QueueCapacity: cfg.Engine.QueueCapacity,
		},
		brokerClient, registry, mirror, ledger, orderRefs, clock,
		func(accountID int64) {
			if err := accounts.SetNeedsReauth(context.Background(), accountID, true); err != nil {
				log.Error("failed to mark account needs_reauth after auth-expired task", utils.Int64("account_id", accountID), utils.Err(err))
			}
		},
		log,
	)
	engine.Start()

	var paper noopPaperTrader
	dispatcher := webhook.New(strategies, traders, positions, signalStore, engine, paper, clock, cfg.Engine.EnqueueBudget, log)

	// leaderListener and propagator reference each other (a delta drives
	// propagation, a successful propagation tags the loop-prevention
	// guard back on leaderListener); the closure defers the call until
	// propagator is assigned, since the listener is only ever invoked
	// after wiring completes.
	var propagator *copytrade.Propagator
	leaderListener := listeners.NewLeaderListener(func(accountID int64, d listeners.LeaderDelta) {
		propagator.OnLeaderDelta(accountID, d)
	})
	propagator = copytrade.New(traders, strategies, engine, leaderListener, clock, log)

	positionListener := listeners.NewPositionListener(mirror, ledger, log)
	maxLossListener := listeners.NewMaxLossListener(
		func(accountID int64) (decimal.Decimal, bool) { return maxDailyLossFor(context.Background(), traders, strategies, accountID, log) },
		func(ctx context.Context, b listeners.MaxLossBreach) {
			engine.DisableAccountForSession(b.AccountID)
			if err := engine.FlattenAccount(ctx, b.AccountID); err != nil {
				log.Error("auto-flatten after max-loss breach failed", utils.Int64("account_id", b.AccountID), utils.Err(err))
			}
		},
		log,
	)

	registerBrokerListeners(context.Background(), traders, accounts, wsManager, positionListener, leaderListener, maxLossListener, log)

	reconcileLoop := reconcile.New(traders, strategies, accounts, mirror, ledger, registry, brokerClient, wsManager, clock, cfg.Engine.ReconcileInterval, log)
	reconcileLoop.Start(context.Background())

	tokenDaemon := tokendaemon.New(accounts, brokerClient, clock, cfg.Engine.TokenRefreshInterval, cfg.Engine.TokenRefreshWindow, log)
	tokenDaemon.Start(context.Background())

	router := api.SetupRoutes(&api.Dependencies{
		Webhook:     dispatcher,
		Engine:      engine,
		Mirror:      mirror,
		TokenDaemon: tokenDaemon,
		Log:         log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", utils.String("addr", server.Addr))
		var serveErr error
		if cfg.Server.UseHTTPS {
			serveErr = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatal("server failed", utils.Err(serveErr))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	tokenDaemon.Stop()
	reconcileLoop.Stop()
	engine.Stop(cfg.Engine.ShutdownDrain)
	wsManager.Shutdown(cfg.Engine.ShutdownDrain)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", utils.Err(err))
	}
	log.Info("server exited")
}

func initDatabase(cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.SSLMode,
	)
	db, err := sql.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// maxDailyLossFor resolves the Max-Loss Listener's (C10) per-account
// max_daily_loss from the account's enabled Trader rows, each overlaid
// onto its strategy (spec.md §3's trader-over-strategy filter overlay).
// An account can be linked through more than one strategy; the smallest
// positive configured cap wins, since a breach of the tightest strategy's
// cap must still stop the account. An account with no positive cap
// configured anywhere has no breach checking, matching the pre-existing
// DailyLossCap==0 "unconfigured" convention.
func maxDailyLossFor(ctx context.Context, traders *repository.TraderRepository, strategies *repository.StrategyRepository, accountID int64, log *utils.Logger) (decimal.Decimal, bool) {
	enabled, err := traders.ListByAccount(ctx, accountID)
	if err != nil {
		log.Error("failed to list traders for max-loss limit resolution", utils.Int64("account_id", accountID), utils.Err(err))
		return decimal.Zero, false
	}

	var tightest decimal.Decimal
	var have bool
	for _, t := range enabled {
		strategy, err := strategies.Get(ctx, t.StrategyID)
		if err != nil {
			log.Error("failed to load strategy for max-loss limit resolution", utils.Int64("strategy_id", t.StrategyID), utils.Err(err))
			continue
		}
		eff := t.EffectiveSettings(strategy)
		if !eff.Filters.DailyLossCap.IsPositive() {
			continue
		}
		if !have || eff.Filters.DailyLossCap.LessThan(tightest) {
			tightest = eff.Filters.DailyLossCap
			have = true
		}
	}
	return tightest, have
}

// registerBrokerListeners builds one brokerws.Manager registration per
// distinct token_key among currently-enabled traders, fanning WS messages
// out to the position, leader, and max-loss listeners via refbroker's
// reference decode sketch (see internal/broker/refbroker/ws_decode.go).
func registerBrokerListeners(ctx context.Context, traders *repository.TraderRepository, accounts *repository.AccountRepository, wsManager *brokerws.Manager, posListener *listeners.PositionListener, leaderListener *listeners.LeaderListener, maxLossListener *listeners.MaxLossListener, log *utils.Logger) {
	enabled, err := traders.ListAllEnabled(ctx)
	if err != nil {
		log.Error("failed to list enabled traders for ws registration", utils.Err(err))
		return
	}

	byTokenKey := make(map[string][]string)
	liveByTokenKey := make(map[string]bool)
	leaderAccounts := make(map[int64]bool)
	accountForSub := make(map[string]int64)
	strategyForAccount := make(map[int64]int64)

	for _, t := range enabled {
		acctRow, err := accounts.Get(ctx, t.BrokerAccountID)
		if err != nil {
			log.Error("failed to load account for ws registration", utils.Int64("account_id", t.BrokerAccountID), utils.Err(err))
			continue
		}
		ref := broker.RefFor(t.BrokerAccountID)
		byTokenKey[acctRow.TokenKey] = append(byTokenKey[acctRow.TokenKey], ref.SubaccountID)
		liveByTokenKey[acctRow.TokenKey] = acctRow.Live
		accountForSub[ref.SubaccountID] = t.BrokerAccountID
		// An account is linked to exactly one strategy through its enabled
		// Trader row in the common case; if more than one strategy enables
		// the same account the first registration wins, matching the
		// single-mirror-entry-per-(strategy,symbol) invariant this sketch
		// can't otherwise disambiguate from the wire alone.
		if _, ok := strategyForAccount[t.BrokerAccountID]; !ok {
			strategyForAccount[t.BrokerAccountID] = t.StrategyID
		}
		if t.IsLeader {
			leaderAccounts[t.BrokerAccountID] = true
		}
	}

	for tokenKey, subs := range byTokenKey {
		tokenKey, subs := tokenKey, subs
		wsManager.Register(brokerws.Listener{
			ID:            "mirror-" + tokenKey,
			TokenKey:      tokenKey,
			Live:          liveByTokenKey[tokenKey],
			SubaccountIDs: subs,
			OnMessage: func(msg brokerws.Message) {
				// Manager requires OnMessage to return immediately (no network
				// I/O, no blocking) — the listeners it fans out to persist to
				// the database, so dispatch runs off the read loop.
				go dispatchBrokerMessage(ctx, msg, accountForSub, strategyForAccount, leaderAccounts, posListener, leaderListener, maxLossListener, log)
			},
		})
	}
}

// dispatchBrokerMessage turns one raw brokerws.Message into the normalized
// events the listeners expect, resolving subaccount -> account -> strategy
// through the caches registerBrokerListeners built at registration time.
func dispatchBrokerMessage(ctx context.Context, msg brokerws.Message, accountForSub map[string]int64, strategyForAccount map[int64]int64, leaderAccounts map[int64]bool, posListener *listeners.PositionListener, leaderListener *listeners.LeaderListener, maxLossListener *listeners.MaxLossListener, log *utils.Logger) {
	switch msg.Type {
	case "position":
		raw, err := refbroker.DecodeRawPosition(msg)
		if err != nil {
			log.Error("failed to decode position message", utils.Err(err))
			return
		}
		accountID := accountForSub[raw.SubaccountID]
		ev := listeners.PositionEvent{
			EventID:    raw.EventID,
			StrategyID: strategyForAccount[accountID],
			AccountID:  accountID,
			Symbol:     raw.Symbol,
			SymbolRoot: raw.SymbolRoot,
			Side:       refbroker.SideFromWire(raw.Side),
			NetQty:     raw.NetQty,
			AvgEntry:   raw.AvgEntry,
			Price:      raw.Price,
		}
		posListener.HandlePosition(ctx, ev)
		if leaderAccounts[accountID] {
			leaderListener.HandlePosition(ev)
		}
	case "balance":
		raw, err := refbroker.DecodeRawBalance(msg)
		if err != nil {
			log.Error("failed to decode balance message", utils.Err(err))
			return
		}
		maxLossListener.HandleBalance(ctx, listeners.BalanceEvent{
			EventID:     raw.EventID,
			AccountID:   accountForSub[raw.SubaccountID],
			CashBalance: raw.CashBalance,
			Ts:          time.Now(),
		})
	case "fill":
		raw, err := refbroker.DecodeRawFill(msg)
		if err != nil {
			log.Error("failed to decode fill message", utils.Err(err))
			return
		}
		posListener.HandleFill(ctx, listeners.FillEvent{
			EventID:    raw.EventID,
			AccountID:  accountForSub[raw.SubaccountID],
			PositionID: raw.PositionID,
			Symbol:     raw.Symbol,
			Price:      raw.Price,
			Qty:        raw.Qty,
			Side:       refbroker.SideFromWire(raw.Side),
		}, raw.MatchedTP, raw.MatchedSL)

	case "order":
		raw, err := refbroker.DecodeRawOrder(msg)
		if err != nil {
			log.Error("failed to decode order message", utils.Err(err))
			return
		}
		posListener.HandleOrder(ctx, listeners.OrderEvent{
			EventID: raw.EventID,
			OrderID: raw.OrderID,
			Status:  refbroker.OrderStatusFromWire(raw.Status),
		})
	}
}

// noopPaperTrader satisfies webhook.PaperTrader: paper-trade bookkeeping
// is out of scope (DESIGN.md's Open Question decision #2), so the
// fire-and-forget call lands here and is dropped.
type noopPaperTrader struct{}

func (noopPaperTrader) Execute(ctx context.Context, task execengine.Task) {}
