package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yieldfarm/perphedge/internal/domain"
)

// exchangeRouterABIJSON covers the multicall-composed surface §4.5 names:
// sendTokens/sendWnt funding calls plus the three create* action calls.
// multicall(bytes[]) is the router's own batching entry point — distinct
// from the Multicall3 contract used for read-only batches in §4.2.
const exchangeRouterABIJSON = `[
  {"type":"function","name":"multicall","stateMutability":"payable",
   "inputs":[{"name":"data","type":"bytes[]"}],
   "outputs":[{"name":"results","type":"bytes[]"}]},
  {"type":"function","name":"sendTokens","stateMutability":"payable",
   "inputs":[{"name":"token","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"sendWnt","stateMutability":"payable",
   "inputs":[{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"createDeposit","stateMutability":"payable",
   "inputs":[{"name":"params","type":"tuple","components":[
     {"name":"receiver","type":"address"},
     {"name":"callbackContract","type":"address"},
     {"name":"uiFeeReceiver","type":"address"},
     {"name":"market","type":"address"},
     {"name":"initialLongToken","type":"address"},
     {"name":"initialShortToken","type":"address"},
     {"name":"longTokenSwapPath","type":"address[]"},
     {"name":"shortTokenSwapPath","type":"address[]"},
     {"name":"minMarketTokens","type":"uint256"},
     {"name":"shouldUnwrapNativeToken","type":"bool"},
     {"name":"executionFee","type":"uint256"},
     {"name":"callbackGasLimit","type":"uint256"}
   ]}],
   "outputs":[{"name":"key","type":"bytes32"}]},
  {"type":"function","name":"createWithdrawal","stateMutability":"payable",
   "inputs":[{"name":"params","type":"tuple","components":[
     {"name":"receiver","type":"address"},
     {"name":"callbackContract","type":"address"},
     {"name":"uiFeeReceiver","type":"address"},
     {"name":"market","type":"address"},
     {"name":"longTokenSwapPath","type":"address[]"},
     {"name":"shortTokenSwapPath","type":"address[]"},
     {"name":"minLongTokenAmount","type":"uint256"},
     {"name":"minShortTokenAmount","type":"uint256"},
     {"name":"shouldUnwrapNativeToken","type":"bool"},
     {"name":"executionFee","type":"uint256"},
     {"name":"callbackGasLimit","type":"uint256"}
   ]}],
   "outputs":[{"name":"key","type":"bytes32"}]},
  {"type":"function","name":"createShift","stateMutability":"payable",
   "inputs":[{"name":"params","type":"tuple","components":[
     {"name":"receiver","type":"address"},
     {"name":"callbackContract","type":"address"},
     {"name":"uiFeeReceiver","type":"address"},
     {"name":"fromMarket","type":"address"},
     {"name":"toMarket","type":"address"},
     {"name":"minMarketTokens","type":"uint256"},
     {"name":"executionFee","type":"uint256"},
     {"name":"callbackGasLimit","type":"uint256"}
   ]}],
   "outputs":[{"name":"key","type":"bytes32"}]}
]`

// DepositParams, WithdrawalParams, ShiftParams mirror §4.5 step 5
// ("Build the action parameters — receiver = wallet, default empty swap
// paths, empty callback, zero min-output").
type DepositParams struct {
	Market           common.Address
	InitialLongToken common.Address
	InitialShortToken common.Address
	ExecutionFee     *big.Int
	CallbackGasLimit *big.Int
}

type WithdrawalParams struct {
	Market       common.Address
	ExecutionFee *big.Int
}

type ShiftParams struct {
	FromMarket   common.Address
	ToMarket     common.Address
	ExecutionFee *big.Int
}

// ExchangeRouter packs the sendTokens/sendWnt/create* calldata that gets
// bundled by the router's own multicall(bytes[]) entry point.
type ExchangeRouter struct {
	abi     abi.ABI
	addr    common.Address
	wallet  common.Address
}

func NewExchangeRouter(addr, wallet common.Address) (*ExchangeRouter, error) {
	parsed, err := abi.JSON(strings.NewReader(exchangeRouterABIJSON))
	if err != nil {
		return nil, domain.WrapErr(domain.ErrConfig, "chain.NewExchangeRouter: parse abi", err)
	}
	return &ExchangeRouter{abi: parsed, addr: addr, wallet: wallet}, nil
}

func (e *ExchangeRouter) Address() common.Address { return e.addr }

func (e *ExchangeRouter) packSendTokens(token common.Address, receiver common.Address, amount *big.Int) ([]byte, error) {
	return e.abi.Pack("sendTokens", token, receiver, amount)
}

func (e *ExchangeRouter) packSendWnt(receiver common.Address, amount *big.Int) ([]byte, error) {
	return e.abi.Pack("sendWnt", receiver, amount)
}

// BuildDepositMulticall composes: sendTokens(long) if non-zero,
// sendTokens(short) if non-zero, sendWnt(executionFee), createDeposit —
// exactly the ordered sequence §4.5 step 7 specifies.
func (e *ExchangeRouter) BuildDepositMulticall(vault common.Address, longAmount, shortAmount *big.Int, p DepositParams) ([][]byte, error) {
	var calls [][]byte

	if longAmount != nil && longAmount.Sign() > 0 {
		c, err := e.packSendTokens(p.InitialLongToken, vault, longAmount)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	if shortAmount != nil && shortAmount.Sign() > 0 {
		c, err := e.packSendTokens(p.InitialShortToken, vault, shortAmount)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}

	wnt, err := e.packSendWnt(vault, p.ExecutionFee)
	if err != nil {
		return nil, err
	}
	calls = append(calls, wnt)

	create, err := e.abi.Pack("createDeposit", struct {
		Receiver                common.Address
		CallbackContract        common.Address
		UiFeeReceiver           common.Address
		Market                  common.Address
		InitialLongToken        common.Address
		InitialShortToken       common.Address
		LongTokenSwapPath       []common.Address
		ShortTokenSwapPath      []common.Address
		MinMarketTokens         *big.Int
		ShouldUnwrapNativeToken bool
		ExecutionFee            *big.Int
		CallbackGasLimit        *big.Int
	}{
		Receiver:          e.wallet,
		Market:            p.Market,
		InitialLongToken:  p.InitialLongToken,
		InitialShortToken: p.InitialShortToken,
		MinMarketTokens:   big.NewInt(0),
		ExecutionFee:      p.ExecutionFee,
		CallbackGasLimit:  p.CallbackGasLimit,
	})
	if err != nil {
		return nil, err
	}
	calls = append(calls, create)

	return calls, nil
}

// BuildWithdrawalMulticall composes sendTokens(marketToken), sendWnt(fee),
// createWithdrawal.
func (e *ExchangeRouter) BuildWithdrawalMulticall(vault common.Address, marketToken common.Address, amount *big.Int, p WithdrawalParams) ([][]byte, error) {
	var calls [][]byte

	sendGM, err := e.packSendTokens(marketToken, vault, amount)
	if err != nil {
		return nil, err
	}
	calls = append(calls, sendGM)

	wnt, err := e.packSendWnt(vault, p.ExecutionFee)
	if err != nil {
		return nil, err
	}
	calls = append(calls, wnt)

	create, err := e.abi.Pack("createWithdrawal", struct {
		Receiver                common.Address
		CallbackContract        common.Address
		UiFeeReceiver           common.Address
		Market                  common.Address
		LongTokenSwapPath       []common.Address
		ShortTokenSwapPath      []common.Address
		MinLongTokenAmount      *big.Int
		MinShortTokenAmount     *big.Int
		ShouldUnwrapNativeToken bool
		ExecutionFee            *big.Int
		CallbackGasLimit        *big.Int
	}{
		Receiver:            e.wallet,
		Market:              p.Market,
		MinLongTokenAmount:  big.NewInt(0),
		MinShortTokenAmount: big.NewInt(0),
		ExecutionFee:        p.ExecutionFee,
		CallbackGasLimit:    big.NewInt(0),
	})
	if err != nil {
		return nil, err
	}
	calls = append(calls, create)

	return calls, nil
}

// BuildShiftMulticall composes sendTokens(fromMarketToken), sendWnt(fee),
// createShift.
func (e *ExchangeRouter) BuildShiftMulticall(vault common.Address, fromMarketToken common.Address, amount *big.Int, p ShiftParams) ([][]byte, error) {
	var calls [][]byte

	sendGM, err := e.packSendTokens(fromMarketToken, vault, amount)
	if err != nil {
		return nil, err
	}
	calls = append(calls, sendGM)

	wnt, err := e.packSendWnt(vault, p.ExecutionFee)
	if err != nil {
		return nil, err
	}
	calls = append(calls, wnt)

	create, err := e.abi.Pack("createShift", struct {
		Receiver         common.Address
		CallbackContract common.Address
		UiFeeReceiver    common.Address
		FromMarket       common.Address
		ToMarket         common.Address
		MinMarketTokens  *big.Int
		ExecutionFee     *big.Int
		CallbackGasLimit *big.Int
	}{
		Receiver:        e.wallet,
		FromMarket:      p.FromMarket,
		ToMarket:        p.ToMarket,
		MinMarketTokens: big.NewInt(0),
		ExecutionFee:    p.ExecutionFee,
		CallbackGasLimit: big.NewInt(0),
	})
	if err != nil {
		return nil, err
	}
	calls = append(calls, create)

	return calls, nil
}

// PackMulticall wraps a sequence of already-packed calls in the router's
// own multicall(bytes[]) entry point, the single calldata blob
// SendTransaction submits.
func (e *ExchangeRouter) PackMulticall(calls [][]byte) ([]byte, error) {
	return e.abi.Pack("multicall", calls)
}

// SubmitMulticall is a thin convenience wrapping Client.SendTransaction
// with this router's address.
func (e *ExchangeRouter) SubmitMulticall(ctx context.Context, client *Client, calls [][]byte, value *big.Int, gasLimit uint64, gasPrice *big.Int) (common.Hash, error) {
	data, err := e.PackMulticall(calls)
	if err != nil {
		return common.Hash{}, err
	}
	return client.SendTransaction(ctx, e.addr, data, value, gasLimit, gasPrice)
}
