// Package orchestrator bridges C3 and C5: on every strategy_run_completed
// signal it values the current portfolio, hands the newest targets to the
// planner, and runs whatever plan comes back through the action engine.
package orchestrator

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/yieldfarm/perphedge/internal/clients/chain"
	"github.com/yieldfarm/perphedge/internal/clients/hedge"
	"github.com/yieldfarm/perphedge/internal/database"
	"github.com/yieldfarm/perphedge/internal/domain"
	"github.com/yieldfarm/perphedge/internal/events"
	"github.com/yieldfarm/perphedge/internal/modules/execution"
	"github.com/yieldfarm/perphedge/internal/modules/planner"
)

const nativeTokenSentinel = "0x0000000000000000000000000000000000000000"

// Orchestrator runs the plan-then-execute cycle every time C3 publishes a
// new strategy run.
type Orchestrator struct {
	chainClient *chain.Client

	tokenRegistry  *domain.TokenRegistry
	marketRegistry *domain.MarketRegistry
	tokenRepo      *database.TokenRepository
	marketRepo     *database.MarketRepository
	strategyRepo   *database.StrategyRepository
	portfolioRepo  *database.PortfolioRepository

	hedgeClient  *hedge.Client
	hedgeTracker *hedge.Tracker
	execEngine   *execution.Engine

	bus *events.Bus
	log zerolog.Logger
}

func New(
	chainClient *chain.Client,
	tokenRegistry *domain.TokenRegistry,
	marketRegistry *domain.MarketRegistry,
	tokenRepo *database.TokenRepository,
	marketRepo *database.MarketRepository,
	strategyRepo *database.StrategyRepository,
	portfolioRepo *database.PortfolioRepository,
	hedgeClient *hedge.Client,
	hedgeTracker *hedge.Tracker,
	execEngine *execution.Engine,
	bus *events.Bus,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		chainClient:    chainClient,
		tokenRegistry:  tokenRegistry,
		marketRegistry: marketRegistry,
		tokenRepo:      tokenRepo,
		marketRepo:     marketRepo,
		strategyRepo:   strategyRepo,
		portfolioRepo:  portfolioRepo,
		hedgeClient:    hedgeClient,
		hedgeTracker:   hedgeTracker,
		execEngine:     execEngine,
		bus:            bus,
		log:            log.With().Str("component", "orchestrator").Logger(),
	}
}

// Run subscribes to strategy_run_completed and drives one plan+execute
// cycle per signal, logging and continuing past a cycle's failure rather
// than tearing down the process — an un-rebalanced tick is recoverable,
// unlike the strategy engine's cadence violation.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub := o.bus.Subscribe(events.StrategyRunCompleted)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sub:
			if err := o.RunOnce(ctx, sig.Timestamp); err != nil {
				o.log.Error().Err(err).Msg("orchestrator: cycle failed")
			}
		}
	}
}

// RunOnce values the portfolio, plans against the newest strategy run, and
// executes the resulting actions.
func (o *Orchestrator) RunOnce(ctx context.Context, now time.Time) error {
	run, targets, found, err := o.strategyRepo.LatestRun(ctx)
	if err != nil {
		return err
	}
	if !found {
		o.log.Debug().Msg("orchestrator: no strategy run yet")
		return nil
	}

	o.syncHedgePositions(ctx)

	marketByID, err := o.buildMarketByID(ctx)
	if err != nil {
		return err
	}

	snapshot, err := o.buildSnapshot(ctx, now, marketByID)
	if err != nil {
		return err
	}

	plan := planner.Plan(targets, marketByID, snapshot, o.tokenRegistry, o.hedgeTracker)
	for _, note := range plan.Notes {
		o.log.Info().Str("note", note).Msg("orchestrator: planner note")
	}

	o.execEngine.ExecutePlan(ctx, run.ID, plan.Actions)

	row := domain.PortfolioSnapshotRow{
		Timestamp:      now,
		TotalValueUSD:  snapshot.TotalValueUSD,
		MarketValueUSD: snapshot.MarketValueSum,
		AssetValueUSD:  snapshot.AssetValueSum,
		HedgeValueUSD:  snapshot.HedgeValueSum,
		PnlUSD:         snapshot.PnlUSD,
	}
	if _, err := o.portfolioRepo.Insert(ctx, row); err != nil {
		o.log.Error().Err(err).Msg("orchestrator: failed to persist portfolio snapshot")
	}

	o.log.Info().Int("actions", len(plan.Actions)).Str("total_value_usd", snapshot.TotalValueUSD.String()).Msg("orchestrator: cycle complete")
	return nil
}

// syncHedgePositions re-reads the hedge venue's open perpetual positions
// and seeds them into hedgeTracker before planning runs, matching
// original_source's execution engine (which re-reads
// client.get_open_perp_positions() every cycle rather than relying on a
// locally accumulated fill cache). A nil hedgeClient (no hedge venue
// configured) or a query failure leaves the tracker's existing state in
// place and the cycle continues.
func (o *Orchestrator) syncHedgePositions(ctx context.Context) {
	if o.hedgeClient == nil {
		return
	}
	positions, err := o.hedgeClient.Positions(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("orchestrator: hedge position sync failed")
		return
	}
	for symbol, size := range positions {
		o.hedgeTracker.SeedPosition(symbol, size)
	}
}

// buildMarketByID resolves every registered market's persisted id, since
// StrategyTarget references markets by database id while the registry is
// address-keyed (§9 "back-references, not ownership").
func (o *Orchestrator) buildMarketByID(ctx context.Context) (map[int64]domain.Market, error) {
	markets := o.marketRegistry.All(false)
	out := make(map[int64]domain.Market, len(markets))
	for _, m := range markets {
		id, err := o.marketRepo.IDForAddress(ctx, m.Address)
		if err != nil {
			continue
		}
		out[id] = m
	}
	return out, nil
}

// buildSnapshot values every known GM-token and asset-token holding at the
// latest registry price, plus the hedge venue's open positions (§3
// "Portfolio snapshot").
func (o *Orchestrator) buildSnapshot(ctx context.Context, now time.Time, marketByID map[int64]domain.Market) (domain.PortfolioSnapshot, error) {
	snapshot := domain.PortfolioSnapshot{
		Timestamp:      now,
		MarketBalances: map[string]decimal.Decimal{},
		MarketValueUSD: map[string]decimal.Decimal{},
		AssetBalances:  map[string]decimal.Decimal{},
		AssetValueUSD:  map[string]decimal.Decimal{},
		HedgePositions: map[string]domain.HedgePosition{},
	}

	owner := o.chainClient.Address()

	for _, m := range marketByID {
		balRaw, err := o.erc20Balance(ctx, m.Address, owner)
		if err != nil {
			o.log.Warn().Err(err).Str("market", m.Address).Msg("orchestrator: GM balance lookup failed")
			continue
		}
		bal := decimal.NewFromBigInt(balRaw, -18)
		valueUSD := bal.Mul(m.GMPriceMid)
		snapshot.MarketBalances[m.Address] = bal
		snapshot.MarketValueUSD[m.Address] = valueUSD
		snapshot.MarketValueSum = snapshot.MarketValueSum.Add(valueUSD)
	}

	for _, tok := range o.tokenRegistry.All() {
		balRaw, err := o.tokenBalance(ctx, tok, owner)
		if err != nil {
			o.log.Warn().Err(err).Str("token", tok.Address).Msg("orchestrator: asset balance lookup failed")
			continue
		}
		bal := decimal.NewFromBigInt(balRaw, -tok.Decimals)
		valueUSD := bal.Mul(tok.MidPrice)
		snapshot.AssetBalances[tok.Address] = bal
		snapshot.AssetValueUSD[tok.Address] = valueUSD
		snapshot.AssetValueSum = snapshot.AssetValueSum.Add(valueUSD)
	}

	for symbol, pos := range o.hedgeTracker.Positions() {
		snapshot.HedgePositions[symbol] = pos
		if tok, ok := o.tokenBySymbol(symbol); ok {
			snapshot.HedgeValueSum = snapshot.HedgeValueSum.Add(pos.Size.Mul(tok.MidPrice))
		}
	}

	snapshot.TotalValueUSD = snapshot.MarketValueSum.Add(snapshot.AssetValueSum)
	return snapshot, nil
}

func (o *Orchestrator) tokenBySymbol(symbol string) (domain.AssetToken, bool) {
	for _, tok := range o.tokenRegistry.All() {
		if tok.Symbol == symbol {
			return tok, true
		}
	}
	return domain.AssetToken{}, false
}

func (o *Orchestrator) erc20Balance(ctx context.Context, addr string, owner common.Address) (*big.Int, error) {
	token, err := chain.NewERC20(common.HexToAddress(addr))
	if err != nil {
		return nil, err
	}
	return token.BalanceOf(ctx, o.chainClient, owner)
}

func (o *Orchestrator) tokenBalance(ctx context.Context, tok domain.AssetToken, owner common.Address) (*big.Int, error) {
	if tok.Address == nativeTokenSentinel {
		return o.chainClient.NativeBalance(ctx)
	}
	return o.erc20Balance(ctx, tok.Address, owner)
}
