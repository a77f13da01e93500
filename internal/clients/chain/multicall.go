package chain

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yieldfarm/perphedge/internal/domain"
)

// multicall3ABIJSON is the well-known Multicall3 aggregate3 surface used
// to batch many read-only Reader calls into one RPC round-trip (§4.2
// "batch fetch algorithm").
const multicall3ABIJSON = `[
  {"type":"function","name":"aggregate3","stateMutability":"payable",
   "inputs":[{"name":"calls","type":"tuple[]","components":[
     {"name":"target","type":"address"},
     {"name":"allowFailure","type":"bool"},
     {"name":"callData","type":"bytes"}
   ]}],
   "outputs":[{"name":"returnData","type":"tuple[]","components":[
     {"name":"success","type":"bool"},
     {"name":"returnData","type":"bytes"}
   ]}]}
]`

type Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type CallResult struct {
	Success    bool
	ReturnData []byte
}

// Multicall batches Calls through a Multicall3-compatible contract.
type Multicall struct {
	abi  abi.ABI
	addr common.Address
}

func NewMulticall(addr common.Address) (*Multicall, error) {
	parsed, err := abi.JSON(strings.NewReader(multicall3ABIJSON))
	if err != nil {
		return nil, domain.WrapErr(domain.ErrConfig, "chain.NewMulticall: parse abi", err)
	}
	return &Multicall{abi: parsed, addr: addr}, nil
}

// Aggregate3 executes every call in one eth_call, returning allowFailure
// results for any target that reverts alongside successes — the batch
// can partially fail without tripping the whole round-trip.
func (m *Multicall) Aggregate3(ctx context.Context, client *Client, calls []Call) ([]CallResult, error) {
	type tuple struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}
	packed := make([]tuple, len(calls))
	for i, c := range calls {
		packed[i] = tuple{Target: c.Target, AllowFailure: c.AllowFailure, CallData: c.CallData}
	}

	data, err := m.abi.Pack("aggregate3", packed)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrConfig, "Aggregate3: pack", err)
	}

	out, err := client.Call(ctx, m.addr, data)
	if err != nil {
		return nil, fmt.Errorf("Aggregate3: call: %w", err)
	}

	unpacked, err := m.abi.Unpack("aggregate3", out)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrProtocolDecode, "Aggregate3: unpack", err)
	}

	var raw []struct {
		Success    bool
		ReturnData []byte
	}
	// go-ethereum's abi decoder builds its own anonymous struct type for the
	// tuple components (field tags included), so when the direct assertion
	// misses, the elements are copied field-by-name via reflection.
	if direct, ok := unpacked[0].([]struct {
		Success    bool
		ReturnData []byte
	}); ok {
		raw = direct
	} else if err := copyValue(reflect.ValueOf(&raw).Elem(), reflect.ValueOf(unpacked[0])); err != nil {
		return nil, domain.WrapErr(domain.ErrProtocolDecode, "Aggregate3: unexpected return shape", fmt.Errorf("got %T: %w", unpacked[0], err))
	}

	results := make([]CallResult, len(raw))
	for i, r := range raw {
		results[i] = CallResult{Success: r.Success, ReturnData: r.ReturnData}
	}
	return results, nil
}
