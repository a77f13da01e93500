package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yieldfarm/perphedge/internal/domain"
)

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const wrappedNativeABIJSON = `[
  {"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// ERC20 packs balanceOf/allowance/approve calldata for one token address.
type ERC20 struct {
	abi     abi.ABI
	addr    common.Address
}

func NewERC20(addr common.Address) (*ERC20, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, domain.WrapErr(domain.ErrConfig, "chain.NewERC20: parse abi", err)
	}
	return &ERC20{abi: parsed, addr: addr}, nil
}

func (t *ERC20) Address() common.Address { return t.addr }

func (t *ERC20) BalanceOf(ctx context.Context, c *Client, owner common.Address) (*big.Int, error) {
	data, err := t.abi.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	out, err := c.Call(ctx, t.addr, data)
	if err != nil {
		return nil, err
	}
	unpacked, err := t.abi.Unpack("balanceOf", out)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrProtocolDecode, "ERC20.BalanceOf", err)
	}
	return unpacked[0].(*big.Int), nil
}

func (t *ERC20) Allowance(ctx context.Context, c *Client, owner, spender common.Address) (*big.Int, error) {
	data, err := t.abi.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.Call(ctx, t.addr, data)
	if err != nil {
		return nil, err
	}
	unpacked, err := t.abi.Unpack("allowance", out)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrProtocolDecode, "ERC20.Allowance", err)
	}
	return unpacked[0].(*big.Int), nil
}

// EnsureAllowance approves spender for requiredAmount*1.10 (§4.5 step 6)
// when the current allowance falls short, approving max uint256 for the
// spot-swap aggregator path (§4.5 spot-swap step 3) when approveMax is
// set.
func (t *ERC20) EnsureAllowance(ctx context.Context, c *Client, spender common.Address, requiredAmount *big.Int, approveMax bool, gasPrice *big.Int) error {
	current, err := t.Allowance(ctx, c, c.Address(), spender)
	if err != nil {
		return err
	}
	threshold := new(big.Int).Mul(requiredAmount, big.NewInt(110))
	threshold.Div(threshold, big.NewInt(100))
	if current.Cmp(threshold) >= 0 {
		return nil
	}

	amount := threshold
	if approveMax {
		amount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	}

	data, err := t.abi.Pack("approve", spender, amount)
	if err != nil {
		return err
	}
	gas, err := c.EstimateGas(ctx, t.addr, data, nil)
	if err != nil {
		return err
	}
	txHash, err := c.SendTransaction(ctx, t.addr, data, nil, gas, gasPrice)
	if err != nil {
		return err
	}
	receipt, err := c.WaitMined(ctx, txHash)
	if err != nil {
		return err
	}
	if receipt.Status != 1 {
		return domain.WrapErr(domain.ErrTxRejected, "ERC20.EnsureAllowance: approve reverted", nil)
	}
	return nil
}

// WrappedNative packs the wrap/unwrap fast path the spot-swap executor
// uses when src/dst is native <-> wrapped-native (§4.5 "Distinguish the
// wrap/unwrap fast path... no quote").
type WrappedNative struct {
	abi  abi.ABI
	addr common.Address
}

func NewWrappedNative(addr common.Address) (*WrappedNative, error) {
	parsed, err := abi.JSON(strings.NewReader(wrappedNativeABIJSON))
	if err != nil {
		return nil, domain.WrapErr(domain.ErrConfig, "chain.NewWrappedNative: parse abi", err)
	}
	return &WrappedNative{abi: parsed, addr: addr}, nil
}

func (w *WrappedNative) Address() common.Address { return w.addr }

func (w *WrappedNative) PackDeposit() ([]byte, error) {
	return w.abi.Pack("deposit")
}

func (w *WrappedNative) PackWithdraw(amount *big.Int) ([]byte, error) {
	return w.abi.Pack("withdraw", amount)
}
