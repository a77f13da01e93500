// Package di wires every module's concrete dependencies together from a
// loaded config.Config, following the teacher's cmd/server construction
// order: logger, database, registries, chain clients, HTTP clients, then
// the long-lived modules themselves.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/yieldfarm/perphedge/internal/clients/chain"
	"github.com/yieldfarm/perphedge/internal/clients/feed"
	"github.com/yieldfarm/perphedge/internal/clients/hedge"
	"github.com/yieldfarm/perphedge/internal/clients/routing"
	"github.com/yieldfarm/perphedge/internal/clients/swap"
	"github.com/yieldfarm/perphedge/internal/config"
	"github.com/yieldfarm/perphedge/internal/database"
	"github.com/yieldfarm/perphedge/internal/domain"
	"github.com/yieldfarm/perphedge/internal/events"
	"github.com/yieldfarm/perphedge/internal/modules/execution"
	"github.com/yieldfarm/perphedge/internal/modules/listener"
	"github.com/yieldfarm/perphedge/internal/modules/orchestrator"
	"github.com/yieldfarm/perphedge/internal/modules/poller"
	"github.com/yieldfarm/perphedge/internal/modules/strategy"
	"github.com/yieldfarm/perphedge/internal/server"
)

// App holds every constructed long-lived component, ready for the entry
// point to run concurrently and shut down together.
type App struct {
	Config *config.Config
	Log    zerolog.Logger
	DB     *database.DB

	Listener     *listener.Listener
	Poller       *poller.Poller
	Strategy     *strategy.Engine
	Orchestrator *orchestrator.Orchestrator
	Server       *server.Server
}

// Build constructs every component from cfg without starting any of
// them, so the entry point controls run order and shutdown.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrConfig, "di.Build: database.New", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, domain.WrapErr(domain.ErrConfig, "di.Build: migrate", err)
	}

	tokenRegistry := domain.NewTokenRegistry()
	marketRegistry := domain.NewMarketRegistry()
	feeBuffer := domain.NewFeeBuffer()
	bus := events.NewBus()

	tokenRepo := database.NewTokenRepository(db.DB)
	marketRepo := database.NewMarketRepository(db.DB)
	strategyRepo := database.NewStrategyRepository(db.DB)
	tradeRepo := database.NewTradeRepository(db.DB)
	portfolioRepo := database.NewPortfolioRepository(db.DB)

	chainClient, err := chain.Dial(ctx, cfg.ChainRPCHTTP, cfg.WalletKey, log)
	if err != nil {
		return nil, err
	}

	reader, err := chain.NewReader(common.HexToAddress(cfg.Contracts.Reader), common.HexToAddress(cfg.Contracts.Datastore))
	if err != nil {
		return nil, err
	}
	exchangeRouter, err := chain.NewExchangeRouter(common.HexToAddress(cfg.Contracts.ExchangeRouter), chainClient.Address())
	if err != nil {
		return nil, err
	}
	multicall, err := chain.NewMulticall(common.HexToAddress(cfg.Contracts.Multicall))
	if err != nil {
		return nil, err
	}
	wrappedNative, err := chain.NewWrappedNative(common.HexToAddress(cfg.Contracts.WrappedNative))
	if err != nil {
		return nil, err
	}
	eventDecoder, err := chain.NewEventDecoder()
	if err != nil {
		return nil, err
	}

	priceFeed := feed.NewPriceFeedClient(cfg.PriceFeedURL, cfg.HTTPTimeout)
	tokenFeed := feed.NewTokenFeedClient(cfg.TokenFeedURL, cfg.HTTPTimeout)
	swapClient := swap.NewClient(cfg.SwapAggregatorURL, cfg.SwapAPIKey, string(cfg.NetworkMode), cfg.HTTPTimeout)
	routingClient := routing.NewClient(cfg.RoutingAPIURL, cfg.RoutingAPIKey, cfg.HTTPTimeout)

	var hedgeClient *hedge.Client
	if cfg.HedgeVenueAPIURL != "" {
		hedgeClient = hedge.NewClient(cfg.HedgeVenueAPIURL, cfg.HedgeVenueAPIKey, chainClient.Address().Hex(), cfg.HTTPTimeout)
	}
	hedgeTracker := hedge.NewTracker()

	listenerMod := listener.New(
		cfg.ChainRPCWS,
		common.HexToAddress(cfg.Contracts.EventEmitter),
		eventDecoder,
		chainClient,
		feeBuffer,
		cfg.LivenessInterval,
		cfg.ReconnectMinDelay,
		cfg.ReconnectMaxDelay,
		log,
	)

	pollerMod := poller.New(
		cfg.PollInterval,
		tokenFeed,
		priceFeed,
		chainClient,
		reader,
		multicall,
		tokenRegistry,
		marketRegistry,
		feeBuffer,
		tokenRepo,
		marketRepo,
		bus,
		log,
	)

	var hedgeMarketSource strategy.HedgeMarketSource
	if hedgeClient != nil {
		hedgeMarketSource = hedgeClient
	}
	strategyMod := strategy.New(
		cfg.StrategyCadence,
		cfg.StrategyWaitSlack,
		cfg.StrategyVersion,
		marketRegistry,
		tokenRegistry,
		marketRepo,
		tokenRepo,
		strategyRepo,
		hedgeMarketSource,
		bus,
		log,
	)

	vaults := execution.Vaults{
		Deposit:    common.HexToAddress(cfg.Contracts.DepositVault),
		Withdrawal: common.HexToAddress(cfg.Contracts.WithdrawalVault),
		Shift:      common.HexToAddress(cfg.Contracts.ShiftVault),
	}
	execEngine := execution.New(
		chainClient,
		reader,
		exchangeRouter,
		wrappedNative,
		vaults,
		swapClient,
		routingClient,
		hedgeClient,
		hedgeTracker,
		tokenRegistry,
		marketRegistry,
		tradeRepo,
		tokenRepo,
		marketRepo,
		log,
	)

	orchestratorMod := orchestrator.New(
		chainClient,
		tokenRegistry,
		marketRegistry,
		tokenRepo,
		marketRepo,
		strategyRepo,
		portfolioRepo,
		hedgeClient,
		hedgeTracker,
		execEngine,
		bus,
		log,
	)

	httpServer := server.New(server.Config{
		Addr:     cfg.StatusListenAddr,
		DB:       db,
		Listener: listenerMod,
		Log:      log,
	})

	return &App{
		Config:       cfg,
		Log:          log,
		DB:           db,
		Listener:     listenerMod,
		Poller:       pollerMod,
		Strategy:     strategyMod,
		Orchestrator: orchestratorMod,
		Server:       httpServer,
	}, nil
}

// Run starts every long-lived component concurrently and blocks until ctx
// is cancelled, then shuts the HTTP server down with a bounded grace
// period (§7 "graceful shutdown").
func (a *App) Run(ctx context.Context) error {
	errs := make(chan error, 4)

	go func() { a.Listener.Run(ctx); errs <- nil }()
	go func() { a.Poller.Run(ctx); errs <- nil }()
	go func() {
		if err := a.Strategy.Run(ctx); err != nil {
			errs <- fmt.Errorf("strategy: %w", err)
			return
		}
		errs <- nil
	}()
	go func() {
		if err := a.Orchestrator.Run(ctx); err != nil {
			errs <- fmt.Errorf("orchestrator: %w", err)
			return
		}
		errs <- nil
	}()
	go func() {
		if err := a.Server.Start(); err != nil {
			a.Log.Error().Err(err).Msg("di: status server stopped")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Log.Error().Err(err).Msg("di: status server forced shutdown")
	}

	var firstErr error
	for i := 0; i < 4; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
