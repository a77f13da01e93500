// Package execution implements C5, the Action Engine (§4.5): it executes a
// planner-emitted TradeAction list in order, recording one trades row per
// attempt regardless of outcome.
package execution

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/yieldfarm/perphedge/internal/clients/chain"
	"github.com/yieldfarm/perphedge/internal/clients/hedge"
	"github.com/yieldfarm/perphedge/internal/clients/routing"
	"github.com/yieldfarm/perphedge/internal/clients/swap"
	"github.com/yieldfarm/perphedge/internal/database"
	"github.com/yieldfarm/perphedge/internal/domain"
)

const (
	gasPriceBufferBps = 11000 // 1.10x, §4.5 step 3 / spot-swap step 4
	swapSlippageBps   = 50    // 0.5%, §4.5 spot-swap step 1

	// nativeTokenSentinel is the zero address GMX Synthetics and its spot
	// aggregator both use to mean "the chain's native token" rather than
	// an ERC-20 contract.
	nativeTokenSentinel = "0x0000000000000000000000000000000000000000"
)

// Vaults are the per-action receiver contracts the pool-action multicall
// sends tokens and the execution fee to before the create* call (§4.5
// step 7).
type Vaults struct {
	Deposit    common.Address
	Withdrawal common.Address
	Shift      common.Address
}

// Engine executes one planner Plan's actions in order.
type Engine struct {
	chainClient *chain.Client
	reader      *chain.Reader
	router      *chain.ExchangeRouter
	wrapped     *chain.WrappedNative
	vaults      Vaults

	swapClient    *swap.Client
	routingClient *routing.Client
	hedgeClient   *hedge.Client
	hedgeTracker  *hedge.Tracker

	tokenRegistry  *domain.TokenRegistry
	marketRegistry *domain.MarketRegistry
	tradeRepo      *database.TradeRepository
	tokenRepo      *database.TokenRepository
	marketRepo     *database.MarketRepository

	wrappedNativeAddr string
	log               zerolog.Logger
}

func New(
	chainClient *chain.Client,
	reader *chain.Reader,
	router *chain.ExchangeRouter,
	wrapped *chain.WrappedNative,
	vaults Vaults,
	swapClient *swap.Client,
	routingClient *routing.Client,
	hedgeClient *hedge.Client,
	hedgeTracker *hedge.Tracker,
	tokenRegistry *domain.TokenRegistry,
	marketRegistry *domain.MarketRegistry,
	tradeRepo *database.TradeRepository,
	tokenRepo *database.TokenRepository,
	marketRepo *database.MarketRepository,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		chainClient:       chainClient,
		reader:            reader,
		router:            router,
		wrapped:           wrapped,
		vaults:            vaults,
		swapClient:        swapClient,
		routingClient:     routingClient,
		hedgeClient:       hedgeClient,
		hedgeTracker:      hedgeTracker,
		tokenRegistry:     tokenRegistry,
		marketRegistry:    marketRegistry,
		tradeRepo:         tradeRepo,
		tokenRepo:         tokenRepo,
		marketRepo:        marketRepo,
		wrappedNativeAddr: wrapped.Address().Hex(),
		log:               log.With().Str("component", "execution").Logger(),
	}
}

// ExecutePlan runs every action in order. A failing action is logged and
// recorded; execution continues with the next one (§4.5 "Reporting": every
// attempt gets a trades row regardless of outcome).
func (e *Engine) ExecutePlan(ctx context.Context, strategyRunID int64, actions []domain.TradeAction) {
	for _, action := range actions {
		trade := e.execute(ctx, strategyRunID, action)
		if _, err := e.tradeRepo.Insert(ctx, trade); err != nil {
			e.log.Error().Err(err).Msg("execution: failed to persist trade row")
		}
		if trade.Status == domain.StatusFailed {
			e.log.Warn().Str("action", string(action.Kind)).Str("error_kind", string(trade.ErrorKind)).Msg("execution: action failed")
		}
	}
}

func (e *Engine) execute(ctx context.Context, strategyRunID int64, action domain.TradeAction) domain.Trade {
	trade := domain.Trade{
		Timestamp:     time.Now(),
		ActionType:    action.Kind,
		StrategyRunID: &strategyRunID,
		Status:        domain.StatusFailed,
		AmountIn:      decimal.Zero,
		AmountOut:     decimal.Zero,
		USDValue:      decimal.Zero,
		FeeUSD:        decimal.Zero,
	}

	e.resolveIDs(ctx, action, &trade)

	var err error
	switch action.Kind {
	case domain.ActionGmDeposit, domain.ActionGmWithdrawal, domain.ActionGmShift:
		err = e.executePoolAction(ctx, action, &trade)
	case domain.ActionSpotSwap:
		err = e.executeSpotSwap(ctx, action, &trade)
	case domain.ActionHedgeOrder:
		err = e.executeHedgeOrder(ctx, action, &trade)
	default:
		err = domain.WrapErr(domain.ErrConstraint, "execution.execute: unknown action kind", fmt.Errorf("%s", action.Kind))
	}

	if err != nil {
		trade.Status = domain.StatusFailed
		trade.ErrorKind = domain.Kind(err)
		if trade.ErrorKind == "" {
			trade.ErrorKind = domain.ErrPermanentIO
		}
	} else {
		trade.Status = domain.StatusExecuted
	}
	return trade
}

// resolveIDs fills in trade's market/token foreign keys on a best-effort
// basis; a lookup miss leaves the field nil rather than failing the trade,
// since these columns are nullable and exist for reporting, not correctness.
func (e *Engine) resolveIDs(ctx context.Context, action domain.TradeAction, trade *domain.Trade) {
	marketAddr := action.Market
	if marketAddr == "" {
		marketAddr = action.FromMarket
	}
	if marketAddr != "" {
		if id, err := e.marketRepo.IDForAddress(ctx, marketAddr); err == nil {
			trade.MarketID = &id
		}
	}
	if action.FromToken != "" {
		if id, err := e.tokenRepo.IDForAddress(ctx, action.FromToken); err == nil {
			trade.FromTokenID = &id
		}
	}
	if action.ToToken != "" {
		if id, err := e.tokenRepo.IDForAddress(ctx, action.ToToken); err == nil {
			trade.ToTokenID = &id
		}
	}
}

// gasLimitActionKind maps a TradeActionKind to the Reader's getGasLimit
// action-kind string (§4.5 step 3).
func gasLimitActionKind(kind domain.TradeActionKind) string {
	switch kind {
	case domain.ActionGmDeposit:
		return "deposit"
	case domain.ActionGmWithdrawal:
		return "withdrawal"
	case domain.ActionGmShift:
		return "shift"
	default:
		return ""
	}
}

// executionFee implements §4.5 step 3: the protocol's configured gas
// limit for this action kind times a buffered gas price.
func (e *Engine) executionFee(ctx context.Context, kind domain.TradeActionKind) (fee *big.Int, gasLimit uint64, gasPrice *big.Int, err error) {
	calldata, err := e.reader.PackGasLimit(gasLimitActionKind(kind))
	if err != nil {
		return nil, 0, nil, domain.WrapErr(domain.ErrConfig, "execution.executionFee: pack", err)
	}
	raw, err := e.chainClient.CallReader(ctx, e.reader, calldata)
	if err != nil {
		return nil, 0, nil, err
	}
	limit, err := e.reader.UnpackGasLimit(raw)
	if err != nil {
		return nil, 0, nil, err
	}

	gasPrice, err = e.chainClient.BufferedGasPrice(ctx, gasPriceBufferBps)
	if err != nil {
		return nil, 0, nil, err
	}

	fee = new(big.Int).Mul(limit, gasPrice)
	return fee, limit.Uint64(), gasPrice, nil
}

func toRaw(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}

// isReduceOnly reports whether an order on the opposite side of the
// tracker's current position would only reduce it, never flip it short to
// long or vice versa.
func isReduceOnly(current domain.HedgePosition, sideIsBuy bool) bool {
	return (current.Size.IsPositive() && !sideIsBuy) || (current.Size.IsNegative() && sideIsBuy)
}

// ensureAllowance approves spender for amount*1.10 when the wallet's
// current allowance falls short (§4.5 step 6).
func (e *Engine) ensureAllowance(ctx context.Context, tokenAddr string, spender common.Address, amount *big.Int, gasPrice *big.Int) error {
	if amount == nil || amount.Sign() <= 0 || tokenAddr == nativeTokenSentinel {
		return nil
	}
	token, err := chain.NewERC20(common.HexToAddress(tokenAddr))
	if err != nil {
		return err
	}
	return token.EnsureAllowance(ctx, e.chainClient, spender, amount, false, gasPrice)
}

// executePoolAction implements §4.5's deposit/withdrawal/shift contract.
func (e *Engine) executePoolAction(ctx context.Context, action domain.TradeAction, trade *domain.Trade) error {
	fee, gasLimit, gasPrice, err := e.executionFee(ctx, action.Kind)
	if err != nil {
		return err
	}

	nativeBal, err := e.chainClient.NativeBalance(ctx)
	if err != nil {
		return err
	}
	if nativeBal.Cmp(fee) < 0 {
		return domain.WrapErr(domain.ErrInsufficientFunds, "execution.executePoolAction: native fee balance", nil)
	}

	var calls [][]byte
	var vault common.Address

	switch action.Kind {
	case domain.ActionGmDeposit:
		market, ok := e.marketRegistry.Get(action.Market)
		if !ok {
			return domain.WrapErr(domain.ErrConstraint, "execution.executePoolAction: unknown market", nil)
		}
		longTok, lok := e.tokenRegistry.Get(market.LongTokenAddr)
		shortTok, sok := e.tokenRegistry.Get(market.ShortTokenAddr)
		if !lok || !sok {
			return domain.WrapErr(domain.ErrConstraint, "execution.executePoolAction: unknown collateral tokens", nil)
		}
		longRaw := toRaw(action.LongAmount, longTok.Decimals)
		shortRaw := toRaw(action.ShortAmount, shortTok.Decimals)

		if err := e.ensureAllowance(ctx, market.LongTokenAddr, e.router.Address(), longRaw, gasPrice); err != nil {
			return err
		}
		if err := e.ensureAllowance(ctx, market.ShortTokenAddr, e.router.Address(), shortRaw, gasPrice); err != nil {
			return err
		}

		vault = e.vaults.Deposit
		calls, err = e.router.BuildDepositMulticall(vault, longRaw, shortRaw, chain.DepositParams{
			Market:            common.HexToAddress(market.Address),
			InitialLongToken:  common.HexToAddress(market.LongTokenAddr),
			InitialShortToken: common.HexToAddress(market.ShortTokenAddr),
			ExecutionFee:      fee,
			CallbackGasLimit:  big.NewInt(0),
		})
		trade.AmountIn = action.LongAmount.Add(action.ShortAmount)

	case domain.ActionGmWithdrawal:
		if action.Amount.IsZero() {
			return domain.WrapErr(domain.ErrConstraint, "execution.executePoolAction: zero withdrawal amount", nil)
		}
		market, ok := e.marketRegistry.Get(action.Market)
		if !ok {
			return domain.WrapErr(domain.ErrConstraint, "execution.executePoolAction: unknown market", nil)
		}
		raw := toRaw(action.Amount, 18) // GM tokens are 18-decimal
		if err := e.ensureAllowance(ctx, market.Address, e.router.Address(), raw, gasPrice); err != nil {
			return err
		}
		vault = e.vaults.Withdrawal
		calls, err = e.router.BuildWithdrawalMulticall(vault, common.HexToAddress(market.Address), raw, chain.WithdrawalParams{
			Market:       common.HexToAddress(market.Address),
			ExecutionFee: fee,
		})
		trade.AmountIn = action.Amount

	case domain.ActionGmShift:
		if action.FromMarket == "" || action.ToMarket == "" || action.FromMarket == action.ToMarket {
			return domain.WrapErr(domain.ErrConstraint, "execution.executePoolAction: invalid shift markets", nil)
		}
		raw := toRaw(action.Amount, 18)
		if err := e.ensureAllowance(ctx, action.FromMarket, e.router.Address(), raw, gasPrice); err != nil {
			return err
		}
		vault = e.vaults.Shift
		calls, err = e.router.BuildShiftMulticall(vault, common.HexToAddress(action.FromMarket), raw, chain.ShiftParams{
			FromMarket:   common.HexToAddress(action.FromMarket),
			ToMarket:     common.HexToAddress(action.ToMarket),
			ExecutionFee: fee,
		})
		trade.AmountIn = action.Amount
	}
	if err != nil {
		return err
	}

	txHash, err := e.router.SubmitMulticall(ctx, e.chainClient, calls, fee, gasLimit, gasPrice)
	if err != nil {
		return err
	}
	trade.TxHash = txHash.Hex()

	receipt, err := e.chainClient.WaitMined(ctx, txHash)
	if err != nil {
		return err
	}
	if receipt == nil || receipt.Status != 1 {
		return domain.WrapErr(domain.ErrTxRejected, "execution.executePoolAction: receipt status", nil)
	}

	details, _ := msgpack.Marshal(action)
	trade.Details = details
	return nil
}

// executeSpotSwap implements §4.5's spot-swap contract, including the
// wrap/unwrap fast path that needs no aggregator quote.
func (e *Engine) executeSpotSwap(ctx context.Context, action domain.TradeAction, trade *domain.Trade) error {
	fromTok, fok := e.tokenRegistry.Get(action.FromToken)
	toTok, tok := e.tokenRegistry.Get(action.ToToken)
	if !fok || !tok {
		return domain.WrapErr(domain.ErrConstraint, "execution.executeSpotSwap: unknown token", nil)
	}

	isWrap := fromTok.Address == nativeTokenSentinel && toTok.Address == e.wrappedNativeAddr
	isUnwrap := fromTok.Address == e.wrappedNativeAddr && toTok.Address == nativeTokenSentinel
	if isWrap || isUnwrap {
		return e.executeWrapUnwrap(ctx, action, isWrap, trade)
	}

	side := swap.SideSell
	if action.SwapSide == domain.SwapBuy {
		side = swap.SideBuy
	}
	rawAmount := toRaw(action.Amount, fromTok.Decimals)

	quote, err := e.swapClient.Quote(ctx, action.FromToken, fromTok.Decimals, action.ToToken, toTok.Decimals, rawAmount, side, swapSlippageBps, e.chainClient.Address().Hex())
	if err != nil {
		return err
	}

	gasPrice, err := e.chainClient.BufferedGasPrice(ctx, gasPriceBufferBps)
	if err != nil {
		return err
	}

	// The approval spender is the aggregator's own router (quote.To), not
	// the GMX exchange router used for pool actions.
	if err := e.ensureAllowance(ctx, action.FromToken, common.HexToAddress(quote.To), quote.SrcAmount, gasPrice); err != nil {
		return err
	}

	to := common.HexToAddress(quote.To)
	gasLimit, err := e.chainClient.EstimateGas(ctx, to, quote.Data, quote.Value)
	if err != nil {
		return err
	}
	if err := e.chainClient.Simulate(ctx, to, quote.Data, quote.Value); err != nil {
		return err
	}

	requiredNative := new(big.Int).Mul(big.NewInt(int64(gasLimit)), gasPrice)
	if quote.Value != nil {
		requiredNative = new(big.Int).Add(requiredNative, quote.Value)
	}
	nativeBal, err := e.chainClient.NativeBalance(ctx)
	if err != nil {
		return err
	}
	if nativeBal.Cmp(requiredNative) < 0 {
		return domain.WrapErr(domain.ErrInsufficientFunds, "execution.executeSpotSwap: native balance", nil)
	}

	txHash, err := e.chainClient.SendTransaction(ctx, to, quote.Data, quote.Value, gasLimit, gasPrice)
	if err != nil {
		return err
	}
	trade.TxHash = txHash.Hex()

	receipt, err := e.chainClient.WaitMined(ctx, txHash)
	if err != nil {
		return err
	}
	if receipt == nil || receipt.Status != 1 {
		return domain.WrapErr(domain.ErrTxRejected, "execution.executeSpotSwap: receipt status", nil)
	}

	trade.AmountIn = decimal.NewFromBigInt(quote.SrcAmount, -fromTok.Decimals)
	trade.AmountOut = decimal.NewFromBigInt(quote.DestAmount, -toTok.Decimals)
	trade.USDValue = quote.DestUSD
	details, _ := msgpack.Marshal(action)
	trade.Details = details
	return nil
}

func (e *Engine) executeWrapUnwrap(ctx context.Context, action domain.TradeAction, isWrap bool, trade *domain.Trade) error {
	gasPrice, err := e.chainClient.BufferedGasPrice(ctx, gasPriceBufferBps)
	if err != nil {
		return err
	}

	rawAmount := toRaw(action.Amount, 18)
	var data []byte
	var value *big.Int
	if isWrap {
		data, err = e.wrapped.PackDeposit()
		value = rawAmount
	} else {
		data, err = e.wrapped.PackWithdraw(rawAmount)
		value = big.NewInt(0)
	}
	if err != nil {
		return err
	}

	gasLimit, err := e.chainClient.EstimateGas(ctx, e.wrapped.Address(), data, value)
	if err != nil {
		return err
	}
	txHash, err := e.chainClient.SendTransaction(ctx, e.wrapped.Address(), data, value, gasLimit, gasPrice)
	if err != nil {
		return err
	}
	trade.TxHash = txHash.Hex()

	receipt, err := e.chainClient.WaitMined(ctx, txHash)
	if err != nil {
		return err
	}
	if receipt == nil || receipt.Status != 1 {
		return domain.WrapErr(domain.ErrTxRejected, "execution.executeWrapUnwrap: receipt status", nil)
	}
	trade.AmountIn = action.Amount
	trade.AmountOut = action.Amount
	return nil
}

// executeHedgeOrder implements §4.5's hedge-order contract: best-effort
// top up the subaccount's USDC margin via the cross-chain router when it
// falls short of the order's notional, then place the order and register
// it with the tracker.
func (e *Engine) executeHedgeOrder(ctx context.Context, action domain.TradeAction, trade *domain.Trade) error {
	if e.hedgeClient == nil {
		return domain.WrapErr(domain.ErrConfig, "execution.executeHedgeOrder: hedge client not configured", nil)
	}

	current := e.hedgeTracker.Position(action.TokenSymbol)
	reduceOnly := isReduceOnly(current, action.SideIsBuy)

	if !reduceOnly {
		if err := e.ensureHedgeMargin(ctx, action); err != nil {
			e.log.Warn().Err(err).Msg("execution: hedge margin reconciliation failed, placing order against existing balance")
		}
	}

	orderID, err := e.hedgeClient.PlaceOrder(ctx, action.TokenSymbol, action.SideIsBuy, action.Size, reduceOnly)
	if err != nil {
		return err
	}
	e.hedgeTracker.RegisterOrder(orderID, action.TokenSymbol, action.SideIsBuy, action.Size)

	trade.AmountIn = action.Size
	trade.AmountOut = action.Size
	details, _ := msgpack.Marshal(action)
	trade.Details = details
	return nil
}

// ensureHedgeMargin bridges additional USDC to the hedge venue's
// subaccount via the routing client when the free balance can't cover the
// order's notional, mirroring original_source's Skip-Go top-up path.
func (e *Engine) ensureHedgeMargin(ctx context.Context, action domain.TradeAction) error {
	if e.routingClient == nil {
		return nil
	}
	balance, err := e.hedgeClient.AccountBalance(ctx)
	if err != nil {
		return err
	}

	notional := action.Size.Abs()
	for _, tok := range e.tokenRegistry.All() {
		if tok.Symbol == action.TokenSymbol && !tok.MidPrice.IsZero() {
			notional = notional.Mul(tok.MidPrice)
			break
		}
	}
	if balance.USDC.GreaterThanOrEqual(notional) {
		return nil
	}
	shortfall := notional.Sub(balance.USDC)

	route, err := e.routingClient.Route(ctx, "arbitrum", "dydx-mainnet-1", "usdc", shortfall.String())
	if err != nil {
		return err
	}
	messages, err := e.routingClient.Messages(ctx, route, e.chainClient.Address().Hex())
	if err != nil {
		return err
	}

	gasPrice, err := e.chainClient.BufferedGasPrice(ctx, gasPriceBufferBps)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		value, _ := new(big.Int).SetString(msg.Value, 10)
		to := common.HexToAddress(msg.To)
		gasLimit, err := e.chainClient.EstimateGas(ctx, to, msg.Data, value)
		if err != nil {
			return err
		}
		txHash, err := e.chainClient.SendTransaction(ctx, to, msg.Data, value, gasLimit, gasPrice)
		if err != nil {
			return err
		}
		if err := e.routingClient.Submit(ctx, msg.ChainID, txHash.Hex()); err != nil {
			return err
		}
	}
	return nil
}
