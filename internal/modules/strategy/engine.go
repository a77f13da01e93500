package strategy

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/yieldfarm/perphedge/internal/clients/hedge"
	"github.com/yieldfarm/perphedge/internal/database"
	"github.com/yieldfarm/perphedge/internal/domain"
	"github.com/yieldfarm/perphedge/internal/events"
)

const lookbackWindow = 24 * time.Hour

// HedgeMarketSource reports the hedge venue's current listings; the engine
// treats a lookup failure as "no hedge available" rather than fatal, since
// the fee-return-only fallback (§4.3) is a perfectly valid expected-return
// model.
type HedgeMarketSource interface {
	PerpetualMarkets(ctx context.Context) (map[string]hedge.PerpetualMarket, error)
}

// Engine runs C3: on every data_collection_completed signal, past the
// cadence gate, it rebuilds the trailing window, computes the allocation,
// and persists + publishes the result.
type Engine struct {
	cadence   time.Duration
	waitSlack time.Duration
	version   string

	marketRegistry *domain.MarketRegistry
	tokenRegistry  *domain.TokenRegistry
	marketRepo     *database.MarketRepository
	tokenRepo      *database.TokenRepository
	strategyRepo   *database.StrategyRepository
	hedgeSource    HedgeMarketSource
	bus            *events.Bus

	log zerolog.Logger
}

func New(cadence, waitSlack time.Duration, version string, marketRegistry *domain.MarketRegistry, tokenRegistry *domain.TokenRegistry, marketRepo *database.MarketRepository, tokenRepo *database.TokenRepository, strategyRepo *database.StrategyRepository, hedgeSource HedgeMarketSource, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		cadence:        cadence,
		waitSlack:      waitSlack,
		version:        version,
		marketRegistry: marketRegistry,
		tokenRegistry:  tokenRegistry,
		marketRepo:     marketRepo,
		tokenRepo:      tokenRepo,
		strategyRepo:   strategyRepo,
		hedgeSource:    hedgeSource,
		bus:            bus,
		log:            log.With().Str("component", "strategy").Logger(),
	}
}

// Run subscribes to data_collection_completed and drives C3's cadence
// rule: skip a signal if the previous run is still inside its cadence
// window, and treat a signal drought beyond cadence+waitSlack as fatal
// (§4.3, §9 "naturally a supervised long-lived task with restart-on-
// error" — here restart means the outer process, since an indefinitely
// stalled poller indicates something is badly wrong upstream).
func (e *Engine) Run(ctx context.Context) error {
	sub := e.bus.Subscribe(events.DataCollectionCompleted)
	deadline := e.cadence + e.waitSlack

	for {
		timer := time.NewTimer(deadline)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			return domain.WrapErr(domain.ErrCadence, "strategy.Engine.Run", nil)
		case sig := <-sub:
			timer.Stop()
			if err := e.maybeRun(ctx, sig.Timestamp); err != nil {
				e.log.Error().Err(err).Msg("strategy run failed")
			}
		}
	}
}

func (e *Engine) maybeRun(ctx context.Context, now time.Time) error {
	prev, _, found, err := e.strategyRepo.LatestRun(ctx)
	if err != nil {
		return err
	}
	if found {
		elapsed := now.Sub(prev.Timestamp)
		if elapsed < e.cadence {
			e.log.Debug().Dur("elapsed", elapsed).Msg("strategy: skipping run, inside cadence window")
			return nil
		}
	}
	return e.RunOnce(ctx, now)
}

// RunOnce executes one strategy cycle regardless of cadence; exported for
// direct invocation (tests, manual trigger).
func (e *Engine) RunOnce(ctx context.Context, now time.Time) error {
	slices, err := e.buildWindow(ctx, now)
	if err != nil {
		return err
	}

	candidates := eligibleMarkets(slices, now)
	if len(candidates) == 0 {
		e.log.Warn().Msg("strategy: no eligible markets this run")
		return nil
	}

	hedgeMarkets := map[string]hedge.PerpetualMarket{}
	if e.hedgeSource != nil {
		if hm, err := e.hedgeSource.PerpetualMarkets(ctx); err == nil {
			hedgeMarkets = hm
		} else {
			e.log.Warn().Err(err).Msg("strategy: hedge venue listing unavailable, falling back to fee-only returns")
		}
	}

	returns := expectedReturns(candidates, e.tokenRegistry, hedgeMarkets)
	if len(returns) == 0 {
		e.log.Warn().Msg("strategy: no markets survived return modeling")
		return nil
	}

	mu := make([]float64, len(returns))
	for i, r := range returns {
		mu[i] = r.ExpectedReturn
	}
	sigma := buildCovariance(returns, e.tokenRegistry)

	seed := seedWeights(mu, sigma)
	raw, err := maximizeSharpe(mu, sigma, seed)
	if err != nil {
		return domain.WrapErr(domain.ErrConstraint, "strategy.RunOnce: allocator", err)
	}
	weights := applyWeightBounds(projectAndNormalize(raw))

	portfolioReturn, portfolioVol, sharpe := portfolioStats(mu, sigma, weights)

	run := domain.StrategyRun{
		Timestamp:         now,
		StrategyVersion:   e.version,
		TotalWeight:       sumWeights(weights),
		ExpectedReturnBps: decimal.NewFromFloat(portfolioReturn * 10000),
		VolatilityBps:     decimal.NewFromFloat(portfolioVol * 10000),
		Sharpe:            decimal.NewFromFloat(sharpe),
	}

	targets := make([]domain.StrategyTarget, 0, len(returns))
	for i, r := range returns {
		if weights[i] <= 0 {
			continue
		}
		targets = append(targets, domain.StrategyTarget{
			MarketID:          r.Slice.MarketID,
			TargetWeight:      decimal.NewFromFloat(weights[i]),
			ExpectedReturnBps: decimal.NewFromFloat(r.ExpectedReturn * 10000),
			VarianceBps:       decimal.NewFromFloat(sigma[i][i] * 10000),
		})
	}

	if _, err := e.strategyRepo.InsertRun(ctx, run, targets); err != nil {
		return err
	}

	e.bus.Publish(events.Signal{Channel: events.StrategyRunCompleted, Timestamp: now})
	e.log.Info().Int("markets", len(targets)).Float64("sharpe", sharpe).Msg("strategy run complete")
	return nil
}

func sumWeights(w []float64) decimal.Decimal {
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	return decimal.NewFromFloat(sum)
}

func portfolioStats(mu []float64, sigma [][]float64, w []float64) (ret, vol, sharpe float64) {
	for i := range mu {
		ret += mu[i] * w[i]
	}
	var variance float64
	for i := range w {
		for j := range w {
			variance += w[i] * w[j] * sigma[i][j]
		}
	}
	vol = math.Sqrt(math.Max(variance, 0))
	if vol > 0 {
		sharpe = ret / vol
	}
	return ret, vol, sharpe
}

// buildWindow reads every live market's trailing window of market_states
// and its index token's trailing token_prices, assembling the
// MarketStateSlice inputs the filter and return model need (§3, §4.3).
func (e *Engine) buildWindow(ctx context.Context, now time.Time) ([]domain.MarketStateSlice, error) {
	since := now.Add(-lookbackWindow)
	markets := e.marketRegistry.All(true)
	out := make([]domain.MarketStateSlice, 0, len(markets))

	for i := range markets {
		m := markets[i]
		marketID, err := e.marketRepo.IDForAddress(ctx, m.Address)
		if err != nil {
			continue
		}
		states, err := e.marketRepo.StatesSince(ctx, marketID, since)
		if err != nil || len(states) == 0 {
			continue
		}

		indexToken, ok := e.tokenRegistry.Get(m.IndexTokenAddr)
		if !ok {
			continue
		}
		tokenID, err := e.tokenRepo.IDForAddress(ctx, indexToken.Address)
		if err != nil {
			continue
		}
		prices, err := e.tokenRepo.PricesSince(ctx, tokenID, since)
		if err != nil || len(prices) == 0 {
			continue
		}

		timestamps := make([]time.Time, len(states))
		fees := make([]decimal.Decimal, len(states))
		for i, s := range states {
			timestamps[i] = s.Timestamp
			fees[i] = s.FeesTotalUSD
		}
		indexPrices := make([]decimal.Decimal, len(prices))
		for i, p := range prices {
			indexPrices[i] = p.MidPrice
		}

		mCopy := m
		out = append(out, domain.MarketStateSlice{
			MarketID:    marketID,
			Market:      &mCopy,
			Timestamps:  timestamps,
			IndexPrices: indexPrices,
			FeesUSD:     fees,
			Latest:      states[len(states)-1],
		})
	}
	return out, nil
}
