// Package chain wraps go-ethereum's ethclient/abi/bind packages into the
// on-chain protocol surface §6 describes: market enumeration, batched
// reads under a PnL-factor policy, gas-limit configs, and multicall
// submission. Grounded on ChoSanghyuk-blackholedex's Blackhole/
// ContractClient Send/Call pattern, generalized from a single DEX router
// to the reader/datastore/exchange-router surface of a perp-LP protocol.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/yieldfarm/perphedge/internal/domain"
)

// Client wraps one HTTP JSON-RPC connection and the signer used to submit
// transactions. A second, independent WS connection is owned by the
// listener (internal/modules/listener) so a reconnect there never
// disturbs in-flight reads here.
type Client struct {
	httpURL    string
	rpc        *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int

	// mu serializes transaction submission: nonce management is
	// single-writer per §5 ("Hedge client: single-writer"); the same
	// discipline applies to the wallet's on-chain nonce.
	mu sync.Mutex

	log zerolog.Logger
}

// Dial connects to httpURL and derives the wallet address from
// privateKeyHex (without the 0x prefix, matching the teacher's env-var
// convention).
func Dial(ctx context.Context, httpURL, privateKeyHex string, log zerolog.Logger) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, httpURL)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrTransientIO, "chain.Dial", err)
	}
	pk, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrConfig, "chain.Dial: parse private key", err)
	}
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, domain.WrapErr(domain.ErrConfig, "chain.Dial: derive public key", fmt.Errorf("unexpected public key type"))
	}
	addr := crypto.PubkeyToAddress(*pub)

	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrTransientIO, "chain.Dial: chain id", err)
	}

	return &Client{
		httpURL:    httpURL,
		rpc:        rpc,
		privateKey: pk,
		address:    addr,
		chainID:    chainID,
		log:        log.With().Str("component", "chain.Client").Logger(),
	}, nil
}

func (c *Client) Address() common.Address { return c.address }
func (c *Client) ChainID() *big.Int       { return c.chainID }

// Call performs a read-only eth_call against to with calldata, at the
// latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	out, err := c.rpc.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrTransientIO, "chain.Call", err)
	}
	return out, nil
}

// Simulate performs the same read-only call as Call but is named
// separately to mark pre-flight simulation call sites (§4.5 step 4/4).
func (c *Client) Simulate(ctx context.Context, to common.Address, data []byte, value *big.Int) error {
	msg := ethereum.CallMsg{From: c.address, To: &to, Data: data, Value: value}
	if _, err := c.rpc.CallContract(ctx, msg, nil); err != nil {
		return domain.WrapErr(domain.ErrSimulation, "chain.Simulate", err)
	}
	return nil
}

// SuggestGasPrice reads the network's current gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	gp, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrTransientIO, "chain.SuggestGasPrice", err)
	}
	return gp, nil
}

// BufferedGasPrice multiplies the suggested gas price by bufferBps/10000
// (default 1.10x per §4.5/§4.5-spotswap).
func (c *Client) BufferedGasPrice(ctx context.Context, bufferBps int64) (*big.Int, error) {
	gp, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	buffered := new(big.Int).Mul(gp, big.NewInt(bufferBps))
	buffered.Div(buffered, big.NewInt(10000))
	return buffered, nil
}

// EstimateGas estimates gas for a call from the wallet address.
func (c *Client) EstimateGas(ctx context.Context, to common.Address, data []byte, value *big.Int) (uint64, error) {
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &to, Data: data, Value: value})
	if err != nil {
		return 0, domain.WrapErr(domain.ErrSimulation, "chain.EstimateGas", err)
	}
	return gas, nil
}

// NativeBalance reads the wallet's native-token balance.
func (c *Client) NativeBalance(ctx context.Context) (*big.Int, error) {
	bal, err := c.rpc.BalanceAt(ctx, c.address, nil)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrTransientIO, "chain.NativeBalance", err)
	}
	return bal, nil
}

// BlockNumber is the lightweight head-of-chain read used as the
// listener's liveness probe (§4.1).
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, domain.WrapErr(domain.ErrTransientIO, "chain.BlockNumber", err)
	}
	return n, nil
}

// SendTransaction signs and submits data against to with the given value
// and gas parameters, serialized against concurrent sends so the nonce
// never races.
func (c *Client) SendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int, gasLimit uint64, gasPrice *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.rpc.PendingNonceAt(ctx, c.address)
	if err != nil {
		return common.Hash{}, domain.WrapErr(domain.ErrTransientIO, "chain.SendTransaction: nonce", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return common.Hash{}, domain.WrapErr(domain.ErrConfig, "chain.SendTransaction: sign", err)
	}

	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, domain.WrapErr(domain.ErrTxRejected, "chain.SendTransaction: submit", err)
	}
	return signed.Hash(), nil
}

// WaitMined blocks until txHash has a receipt or ctx expires, returning
// the receipt. A receipt with Status != 1 indicates an on-chain revert;
// the caller must not reconcile balance deltas in that case (§4.5 step 8).
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, domain.WrapErr(domain.ErrTxRejected, "chain.WaitMined: timeout", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

// TransactOpts builds bind.TransactOpts for contract bindings that need
// them, sharing this client's signer and nonce discipline.
func (c *Client) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	return bind.NewKeyedTransactorWithChainID(c.privateKey, c.chainID)
}
