// Package poller implements C2, the Market State Poller (§4.2). On a
// fixed interval it refreshes the token and market registries, atomically
// drains the fee buffer C1 writes to, batch-fetches per-market on-chain
// state with bounded concurrency, fuses the two, persists one row per
// market, and publishes a completion signal — grounded on the bounded-
// worker-pool pattern (semaphore channel + result channel) used across
// the reference corpus for fan-out-with-limit RPC fetches.
package poller

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/yieldfarm/perphedge/internal/clients/chain"
	"github.com/yieldfarm/perphedge/internal/clients/feed"
	"github.com/yieldfarm/perphedge/internal/database"
	"github.com/yieldfarm/perphedge/internal/domain"
	"github.com/yieldfarm/perphedge/internal/events"
)

const marketListPageSize = 50

// Poller owns the registries' sole writer role and the fee buffer's sole
// reader-with-drain role (§5).
type Poller struct {
	interval time.Duration

	tokenFeed  *feed.TokenFeedClient
	priceFeed  *feed.PriceFeedClient
	chainClient *chain.Client
	reader     *chain.Reader
	multicall  *chain.Multicall

	tokenRegistry  *domain.TokenRegistry
	marketRegistry *domain.MarketRegistry
	feeBuffer      *domain.FeeBuffer

	tokenRepo  *database.TokenRepository
	marketRepo *database.MarketRepository

	bus *events.Bus
	log zerolog.Logger

	concurrency int

	mu        sync.Mutex
	tokenIDs  map[string]int64
	marketIDs map[string]int64
}

func New(
	interval time.Duration,
	tokenFeed *feed.TokenFeedClient,
	priceFeed *feed.PriceFeedClient,
	chainClient *chain.Client,
	reader *chain.Reader,
	multicall *chain.Multicall,
	tokenRegistry *domain.TokenRegistry,
	marketRegistry *domain.MarketRegistry,
	feeBuffer *domain.FeeBuffer,
	tokenRepo *database.TokenRepository,
	marketRepo *database.MarketRepository,
	bus *events.Bus,
	log zerolog.Logger,
) *Poller {
	return &Poller{
		interval:       interval,
		tokenFeed:      tokenFeed,
		priceFeed:      priceFeed,
		chainClient:    chainClient,
		reader:         reader,
		multicall:      multicall,
		tokenRegistry:  tokenRegistry,
		marketRegistry: marketRegistry,
		feeBuffer:      feeBuffer,
		tokenRepo:      tokenRepo,
		marketRepo:     marketRepo,
		bus:            bus,
		log:            log.With().Str("component", "poller").Logger(),
		concurrency:    8,
		tokenIDs:       map[string]int64{},
		marketIDs:      map[string]int64{},
	}
}

// Run ticks every interval until ctx is cancelled, logging and continuing
// past a single tick's error (a failed tick is not fatal; the next tick
// tries again).
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if err := p.Tick(ctx); err != nil {
		p.log.Error().Err(err).Msg("poller: initial tick failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.log.Error().Err(err).Msg("poller: tick failed")
			}
		}
	}
}

// Tick runs one full cycle of the §4.2 contract.
func (p *Poller) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	if err := p.refreshTokenRegistry(ctx, now); err != nil {
		p.log.Warn().Err(err).Msg("poller: token registry refresh failed, using stale prices")
	}
	if err := p.refreshMarketRegistry(ctx); err != nil {
		p.log.Warn().Err(err).Msg("poller: market registry refresh failed, using known markets")
	}

	snapshot := p.feeBuffer.Drain()

	markets := p.marketRegistry.All(false)
	eligible := make([]domain.Market, 0, len(markets))
	for _, m := range markets {
		if _, ok := p.tokenRegistry.Get(m.LongTokenAddr); !ok {
			continue
		}
		if _, ok := p.tokenRegistry.Get(m.ShortTokenAddr); !ok {
			continue
		}
		indexToken, ok := p.tokenRegistry.Get(m.IndexTokenAddr)
		if !ok || !indexToken.HasPrice() {
			continue
		}
		eligible = append(eligible, m)
	}

	results := p.fetchAll(ctx, eligible, now)

	written := 0
	for _, res := range results {
		if res.err != nil {
			p.log.Warn().Err(res.err).Str("market", res.market.Address).Msg("poller: market fetch failed, skipping row")
			continue
		}
		if err := p.persist(ctx, res.market, res.state, snapshot, now); err != nil {
			p.log.Warn().Err(err).Str("market", res.market.Address).Msg("poller: persist failed")
			continue
		}
		written++
	}

	p.log.Info().Int("markets_eligible", len(eligible)).Int("markets_written", written).Msg("poller: tick complete")
	p.bus.Publish(events.Signal{Channel: events.DataCollectionCompleted, Timestamp: now})
	return nil
}

// refreshTokenRegistry pulls the supported-token list and the latest
// price feed, upserting both into the registry and the token repository
// (§4.2 step 1).
func (p *Poller) refreshTokenRegistry(ctx context.Context, now time.Time) error {
	tokens, err := p.tokenFeed.Fetch(ctx)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		existing, ok := p.tokenRegistry.Get(t.Address)
		if ok {
			t.MinPrice, t.MaxPrice, t.MidPrice, t.UpdatedAt = existing.MinPrice, existing.MaxPrice, existing.MidPrice, existing.UpdatedAt
			t.Category, t.IsStable = existing.Category, existing.IsStable
		} else {
			t.Category, t.IsStable = domain.ClassifyToken(t.Symbol)
		}
		p.tokenRegistry.Upsert(t)

		id, err := p.tokenRepo.UpsertToken(ctx, t)
		if err != nil {
			p.log.Warn().Err(err).Str("token", t.Address).Msg("poller: token upsert failed")
			continue
		}
		p.mu.Lock()
		p.tokenIDs[t.Address] = id
		p.mu.Unlock()
	}

	prices, err := p.priceFeed.Fetch(ctx)
	if err != nil {
		return err
	}
	for _, pr := range prices {
		tok, ok := p.tokenRegistry.Get(pr.TokenAddress)
		if !ok {
			continue
		}
		tok.SetPrice(pr.MinPrice, pr.MaxPrice, now)
		p.tokenRegistry.Upsert(tok)

		p.mu.Lock()
		id, known := p.tokenIDs[pr.TokenAddress]
		p.mu.Unlock()
		if !known {
			continue
		}
		_ = p.tokenRepo.InsertPrice(ctx, id, domain.TokenPrice{
			TokenID: id, Timestamp: now,
			MinPrice: tok.MinPrice, MaxPrice: tok.MaxPrice, MidPrice: tok.MidPrice,
		})
	}
	return nil
}

// refreshMarketRegistry pages through the protocol's market listing and
// adds any market not already known (§4.2 step 2: "add any newly listed
// pools" — existing markets' scalar state is left untouched here and
// updated by the batch-fetch step instead).
func (p *Poller) refreshMarketRegistry(ctx context.Context) error {
	start := int64(0)
	for {
		data, err := p.reader.PackMarkets(big.NewInt(start), big.NewInt(start+marketListPageSize))
		if err != nil {
			return err
		}
		out, err := p.chainClient.CallReader(ctx, p.reader, data)
		if err != nil {
			return err
		}
		page, err := p.reader.UnpackMarkets(out)
		if err != nil {
			return err
		}

		for _, listing := range page {
			addr := listing.MarketToken.Hex()
			if _, ok := p.marketRegistry.Get(addr); ok {
				continue
			}
			m := domain.Market{
				Address:        addr,
				IndexTokenAddr: listing.IndexToken.Hex(),
				LongTokenAddr:  listing.LongToken.Hex(),
				ShortTokenAddr: listing.ShortToken.Hex(),
			}
			p.marketRegistry.Upsert(m)
			p.ensureMarketPersisted(ctx, m)
		}

		if int64(len(page)) < marketListPageSize {
			return nil
		}
		start += marketListPageSize
	}
}

func (p *Poller) ensureMarketPersisted(ctx context.Context, m domain.Market) {
	p.mu.Lock()
	_, known := p.marketIDs[m.Address]
	p.mu.Unlock()
	if known {
		return
	}

	p.mu.Lock()
	indexID, hasIndex := p.tokenIDs[m.IndexTokenAddr]
	longID, hasLong := p.tokenIDs[m.LongTokenAddr]
	shortID, hasShort := p.tokenIDs[m.ShortTokenAddr]
	p.mu.Unlock()
	if !hasIndex || !hasLong || !hasShort {
		p.log.Warn().Str("market", m.Address).Msg("poller: new market references an unknown token, deferring persistence")
		return
	}

	id, err := p.marketRepo.UpsertMarket(ctx, m.Address, indexID, longID, shortID)
	if err != nil {
		p.log.Warn().Err(err).Str("market", m.Address).Msg("poller: market upsert failed")
		return
	}
	p.mu.Lock()
	p.marketIDs[m.Address] = id
	p.mu.Unlock()
}

type fetchResult struct {
	market domain.Market
	state  domain.MarketState
	err    error
}

// fetchAll batch-fetches every market's on-chain state with bounded
// concurrency (§4.2 "batch-fetch per-market state in parallel with
// bounded concurrency").
func (p *Poller) fetchAll(ctx context.Context, markets []domain.Market, now time.Time) []fetchResult {
	sem := make(chan struct{}, p.concurrency)
	resultCh := make(chan fetchResult, len(markets))
	var wg sync.WaitGroup

	for _, m := range markets {
		wg.Add(1)
		sem <- struct{}{}
		go func(m domain.Market) {
			defer wg.Done()
			defer func() { <-sem }()
			state, err := p.fetchMarketState(ctx, m, now)
			resultCh <- fetchResult{market: m, state: state, err: err}
		}(m)
	}

	wg.Wait()
	close(resultCh)

	out := make([]fetchResult, 0, len(markets))
	for r := range resultCh {
		out = append(out, r)
	}
	return out
}

// fetchMarketState issues the batched Reader reads for one market, retries
// the whole batch with linear backoff, and falls back to sequential
// per-call reads on ultimate batch failure (§4.2 "retry each sub-call
// with linear backoff... on ultimate failure of the batch, fall back to
// per-market individual fetches").
func (p *Poller) fetchMarketState(ctx context.Context, m domain.Market, now time.Time) (domain.MarketState, error) {
	market := common.HexToAddress(m.Address)

	results, err := p.batchFetchWithRetry(ctx, market)
	if err != nil {
		results, err = p.sequentialFetch(ctx, market)
		if err != nil {
			return domain.MarketState{}, err
		}
	}

	return p.fuse(m, results, now)
}

type marketCallResults struct {
	info       chain.MarketInfo
	priceMin   chain.MarketTokenPrice
	priceMax   chain.MarketTokenPrice
	oiLong     *big.Int
	oiShort    *big.Int
	oiTokLong  *big.Int
	oiTokShort *big.Int
}

func (p *Poller) batchFetchWithRetry(ctx context.Context, market common.Address) (marketCallResults, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		res, err := p.batchFetch(ctx, market)
		if err == nil {
			return res, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return marketCallResults{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return marketCallResults{}, domain.WrapErr(domain.ErrTransientIO, "poller.batchFetchWithRetry", lastErr)
}

func (p *Poller) batchFetch(ctx context.Context, market common.Address) (marketCallResults, error) {
	infoData, err := p.reader.PackMarketInfo(market)
	if err != nil {
		return marketCallResults{}, err
	}
	priceMinData, err := p.reader.PackMarketTokenPrice(market, false)
	if err != nil {
		return marketCallResults{}, err
	}
	priceMaxData, err := p.reader.PackMarketTokenPrice(market, true)
	if err != nil {
		return marketCallResults{}, err
	}
	oiLongData, err := p.reader.PackOpenInterest(market, true)
	if err != nil {
		return marketCallResults{}, err
	}
	oiShortData, err := p.reader.PackOpenInterest(market, false)
	if err != nil {
		return marketCallResults{}, err
	}
	oiTokLongData, err := p.reader.PackOpenInterestInTokens(market, true)
	if err != nil {
		return marketCallResults{}, err
	}
	oiTokShortData, err := p.reader.PackOpenInterestInTokens(market, false)
	if err != nil {
		return marketCallResults{}, err
	}

	readerAddr := p.reader.Address()
	calls := []chain.Call{
		{Target: readerAddr, AllowFailure: true, CallData: infoData},
		{Target: readerAddr, AllowFailure: true, CallData: priceMinData},
		{Target: readerAddr, AllowFailure: true, CallData: priceMaxData},
		{Target: readerAddr, AllowFailure: true, CallData: oiLongData},
		{Target: readerAddr, AllowFailure: true, CallData: oiShortData},
		{Target: readerAddr, AllowFailure: true, CallData: oiTokLongData},
		{Target: readerAddr, AllowFailure: true, CallData: oiTokShortData},
	}

	out, err := p.multicall.Aggregate3(ctx, p.chainClient, calls)
	if err != nil {
		return marketCallResults{}, err
	}
	if len(out) != len(calls) {
		return marketCallResults{}, domain.WrapErr(domain.ErrProtocolDecode, "poller.batchFetch: result count mismatch", nil)
	}
	for i, r := range out {
		if !r.Success {
			return marketCallResults{}, domain.WrapErr(domain.ErrProtocolDecode, "poller.batchFetch: sub-call reverted", nil)
		}
		_ = i
	}

	info, err := p.reader.UnpackMarketInfo(out[0].ReturnData)
	if err != nil {
		return marketCallResults{}, err
	}
	priceMin, err := p.reader.UnpackMarketTokenPrice(out[1].ReturnData)
	if err != nil {
		return marketCallResults{}, err
	}
	priceMax, err := p.reader.UnpackMarketTokenPrice(out[2].ReturnData)
	if err != nil {
		return marketCallResults{}, err
	}
	oiLong, err := p.reader.UnpackOpenInterest(out[3].ReturnData)
	if err != nil {
		return marketCallResults{}, err
	}
	oiShort, err := p.reader.UnpackOpenInterest(out[4].ReturnData)
	if err != nil {
		return marketCallResults{}, err
	}
	oiTokLong, err := p.reader.UnpackOpenInterestInTokens(out[5].ReturnData)
	if err != nil {
		return marketCallResults{}, err
	}
	oiTokShort, err := p.reader.UnpackOpenInterestInTokens(out[6].ReturnData)
	if err != nil {
		return marketCallResults{}, err
	}

	return marketCallResults{
		info: info, priceMin: priceMin, priceMax: priceMax,
		oiLong: oiLong, oiShort: oiShort, oiTokLong: oiTokLong, oiTokShort: oiTokShort,
	}, nil
}

// sequentialFetch re-issues each Reader call directly, bypassing
// multicall, for the per-market fallback path on ultimate batch failure.
func (p *Poller) sequentialFetch(ctx context.Context, market common.Address) (marketCallResults, error) {
	infoData, err := p.reader.PackMarketInfo(market)
	if err != nil {
		return marketCallResults{}, err
	}
	infoOut, err := p.chainClient.CallReader(ctx, p.reader, infoData)
	if err != nil {
		return marketCallResults{}, err
	}
	info, err := p.reader.UnpackMarketInfo(infoOut)
	if err != nil {
		return marketCallResults{}, err
	}

	priceMinData, _ := p.reader.PackMarketTokenPrice(market, false)
	priceMinOut, err := p.chainClient.CallReader(ctx, p.reader, priceMinData)
	if err != nil {
		return marketCallResults{}, err
	}
	priceMin, err := p.reader.UnpackMarketTokenPrice(priceMinOut)
	if err != nil {
		return marketCallResults{}, err
	}

	priceMaxData, _ := p.reader.PackMarketTokenPrice(market, true)
	priceMaxOut, err := p.chainClient.CallReader(ctx, p.reader, priceMaxData)
	if err != nil {
		return marketCallResults{}, err
	}
	priceMax, err := p.reader.UnpackMarketTokenPrice(priceMaxOut)
	if err != nil {
		return marketCallResults{}, err
	}

	oiLongData, _ := p.reader.PackOpenInterest(market, true)
	oiLongOut, err := p.chainClient.CallReader(ctx, p.reader, oiLongData)
	if err != nil {
		return marketCallResults{}, err
	}
	oiLong, err := p.reader.UnpackOpenInterest(oiLongOut)
	if err != nil {
		return marketCallResults{}, err
	}

	oiShortData, _ := p.reader.PackOpenInterest(market, false)
	oiShortOut, err := p.chainClient.CallReader(ctx, p.reader, oiShortData)
	if err != nil {
		return marketCallResults{}, err
	}
	oiShort, err := p.reader.UnpackOpenInterest(oiShortOut)
	if err != nil {
		return marketCallResults{}, err
	}

	oiTokLongData, _ := p.reader.PackOpenInterestInTokens(market, true)
	oiTokLongOut, err := p.chainClient.CallReader(ctx, p.reader, oiTokLongData)
	if err != nil {
		return marketCallResults{}, err
	}
	oiTokLong, err := p.reader.UnpackOpenInterestInTokens(oiTokLongOut)
	if err != nil {
		return marketCallResults{}, err
	}

	oiTokShortData, _ := p.reader.PackOpenInterestInTokens(market, false)
	oiTokShortOut, err := p.chainClient.CallReader(ctx, p.reader, oiTokShortData)
	if err != nil {
		return marketCallResults{}, err
	}
	oiTokShort, err := p.reader.UnpackOpenInterestInTokens(oiTokShortOut)
	if err != nil {
		return marketCallResults{}, err
	}

	return marketCallResults{
		info: info, priceMin: priceMin, priceMax: priceMax,
		oiLong: oiLong, oiShort: oiShort, oiTokLong: oiTokLong, oiTokShort: oiTokShort,
	}, nil
}

// fuse implements §4.2's fusion rules: gm_price.{min,max,mid}, pool
// composition averaged between the min/max variants (token amounts from
// the min variant), PnL averaged, has_supply derived, open-interest-in-
// tokens converted to USD via the index token's mid price.
func (p *Poller) fuse(m domain.Market, r marketCallResults, now time.Time) (domain.MarketState, error) {
	indexToken, ok := p.tokenRegistry.Get(m.IndexTokenAddr)
	if !ok {
		return domain.MarketState{}, domain.WrapErr(domain.ErrConstraint, "poller.fuse: index token not in registry", nil)
	}

	gmPriceMin := domain.ScaleDown(r.priceMin.Price, 30)
	gmPriceMax := domain.ScaleDown(r.priceMax.Price, 30)
	gmPriceMid := gmPriceMin.Add(gmPriceMax).Div(decimal.NewFromInt(2))

	poolValueMin := domain.ScaleDown(r.priceMin.PoolValue, 30)
	poolValueMax := domain.ScaleDown(r.priceMax.PoolValue, 30)

	avgUSD := func(a, b *big.Int) decimal.Decimal {
		return domain.ScaleDown(a, 30).Add(domain.ScaleDown(b, 30)).Div(decimal.NewFromInt(2))
	}

	poolLongUSD := avgUSD(r.priceMin.LongTokenUSD, r.priceMax.LongTokenUSD)
	poolShortUSD := avgUSD(r.priceMin.ShortTokenUSD, r.priceMax.ShortTokenUSD)
	impactPoolUSD := avgUSD(r.priceMin.ImpactPoolUSD, r.priceMax.ImpactPoolUSD)
	pnlLong := avgUSD(r.priceMin.PnlLong, r.priceMax.PnlLong)
	pnlShort := avgUSD(r.priceMin.PnlShort, r.priceMax.PnlShort)

	longDecimals := tokenDecimals(p.tokenRegistry, m.LongTokenAddr)
	shortDecimals := tokenDecimals(p.tokenRegistry, m.ShortTokenAddr)

	poolLongAmount := domain.ScaleDown(r.priceMin.LongTokenAmount, longDecimals)
	poolShortAmount := domain.ScaleDown(r.priceMin.ShortTokenAmount, shortDecimals)
	poolImpactAmount := domain.ScaleDown(r.priceMin.ImpactPoolAmount, longDecimals)

	oiLongNotional := domain.ScaleDown(r.oiLong, 30)
	oiShortNotional := domain.ScaleDown(r.oiShort, 30)
	oiLongTokenAmount := domain.ScaleDown(r.oiTokLong, longDecimals)
	oiShortTokenAmount := domain.ScaleDown(r.oiTokShort, shortDecimals)
	oiLongViaTokensUSD := oiLongTokenAmount.Mul(indexToken.MidPrice)
	oiShortViaTokensUSD := oiShortTokenAmount.Mul(indexToken.MidPrice)

	poolValue := poolLongUSD.Add(poolShortUSD).Sub(impactPoolUSD)
	utilization := decimal.Zero
	if !poolValue.IsZero() {
		utilization = oiLongNotional.Add(oiShortNotional).Div(poolValue)
	}

	state := domain.MarketState{
		Timestamp:            now,
		BorrowingFactorLong:  domain.ScaleDown(r.info.BorrowingFactorLong, 30),
		BorrowingFactorShort: domain.ScaleDown(r.info.BorrowingFactorShort, 30),
		PnlLong:              pnlLong,
		PnlShort:             pnlShort,
		PnlNet:               pnlLong.Add(pnlShort),
		GMPriceMin:           gmPriceMin,
		GMPriceMax:           gmPriceMax,
		GMPriceMid:           gmPriceMid,
		PoolLongAmount:       poolLongAmount,
		PoolShortAmount:      poolShortAmount,
		PoolImpactAmount:     poolImpactAmount,
		PoolLongUSD:          poolLongUSD,
		PoolShortUSD:         poolShortUSD,
		PoolImpactUSD:        impactPoolUSD,
		OILongNotionalUSD:    oiLongNotional,
		OIShortNotionalUSD:   oiShortNotional,
		OILongViaTokensUSD:   oiLongViaTokensUSD,
		OIShortViaTokensUSD:  oiShortViaTokensUSD,
		OILongTokenAmount:    oiLongTokenAmount,
		OIShortTokenAmount:   oiShortTokenAmount,
		Utilization:          utilization,
		HasSupply:            !poolValueMin.IsZero() || !poolValueMax.IsZero(),
	}
	return state, nil
}

func tokenDecimals(reg *domain.TokenRegistry, address string) int32 {
	t, ok := reg.Get(address)
	if !ok {
		return 18
	}
	return t.Decimals
}

// persist folds the drained fee snapshot's increments for this market
// into the prior row's cumulative values (§4.2 "cumulative fee fields in
// the written row must include that snapshot's increments added to the
// prior row's values") and writes the fused row, updating both the
// market_states table and the in-memory registry.
func (p *Poller) persist(ctx context.Context, m domain.Market, state domain.MarketState, snapshot map[string]*domain.MarketFees, now time.Time) error {
	p.mu.Lock()
	marketID, known := p.marketIDs[m.Address]
	p.mu.Unlock()
	if !known {
		return domain.WrapErr(domain.ErrConstraint, "poller.persist: market not yet persisted", nil)
	}

	prior, hasPrior, err := p.marketRepo.LatestState(ctx, marketID)
	if err != nil {
		return err
	}

	fees := snapshot[m.Address]
	var positionUSD, liquidationUSD, swapUSD, borrowingUSD, swapVolume, tradingVolume decimal.Decimal
	if fees != nil {
		positionUSD = fees.TotalUSD(fees.PositionFeesForPool)
		liquidationUSD = fees.TotalUSD(fees.LiquidationFeesForPool)
		swapUSD = fees.TotalUSD(fees.SwapFeesForPool)
		borrowingUSD = fees.TotalUSD(fees.BorrowingFeesForPool)
		swapVolume = fees.TotalUSD(fees.SwapVolume)
		tradingVolume = fees.TradingVolume
	}

	if hasPrior {
		state.FeesPositionUSD = prior.FeesPositionUSD.Add(positionUSD)
		state.FeesLiquidationUSD = prior.FeesLiquidationUSD.Add(liquidationUSD)
		state.FeesSwapUSD = prior.FeesSwapUSD.Add(swapUSD)
		state.FeesBorrowingUSD = prior.FeesBorrowingUSD.Add(borrowingUSD)
	} else {
		state.FeesPositionUSD = positionUSD
		state.FeesLiquidationUSD = liquidationUSD
		state.FeesSwapUSD = swapUSD
		state.FeesBorrowingUSD = borrowingUSD
	}
	state.FeesTotalUSD = state.FeesPositionUSD.Add(state.FeesLiquidationUSD).Add(state.FeesSwapUSD).Add(state.FeesBorrowingUSD)
	state.SwapVolumeUSD = swapVolume
	state.TradingVolumeUSD = tradingVolume
	state.MarketID = marketID

	if err := p.marketRepo.InsertState(ctx, marketID, state); err != nil {
		return err
	}

	m.BorrowingFactorLong, m.BorrowingFactorShort = state.BorrowingFactorLong, state.BorrowingFactorShort
	m.PnlLong, m.PnlShort, m.PnlNet = state.PnlLong, state.PnlShort, state.PnlNet
	m.GMPriceMin, m.GMPriceMax, m.GMPriceMid = state.GMPriceMin, state.GMPriceMax, state.GMPriceMid
	m.PoolLongAmount, m.PoolShortAmount, m.ImpactPoolAmount = state.PoolLongAmount, state.PoolShortAmount, state.PoolImpactAmount
	m.PoolLongUSD, m.PoolShortUSD, m.ImpactPoolUSD = state.PoolLongUSD, state.PoolShortUSD, state.PoolImpactUSD
	m.OILongNotionalUSD, m.OIShortNotionalUSD = state.OILongNotionalUSD, state.OIShortNotionalUSD
	m.OILongViaTokensUSD, m.OIShortViaTokensUSD = state.OILongViaTokensUSD, state.OIShortViaTokensUSD
	m.OILongTokenAmount, m.OIShortTokenAmount = state.OILongTokenAmount, state.OIShortTokenAmount
	m.Utilization = state.Utilization
	m.CumPositionFeesUSD, m.CumLiquidationFeesUSD, m.CumSwapFeesUSD, m.CumBorrowingFeesUSD = state.FeesPositionUSD, state.FeesLiquidationUSD, state.FeesSwapUSD, state.FeesBorrowingUSD
	m.SwapVolumeUSD, m.TradingVolumeUSD = state.SwapVolumeUSD, state.TradingVolumeUSD
	m.HasSupply = state.HasSupply
	m.UpdatedAt = now
	p.marketRegistry.Upsert(m)

	return nil
}
