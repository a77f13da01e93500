package chain

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yieldfarm/perphedge/internal/domain"
)

// eventEmitterABIJSON decodes the protocol's generic event-log shape: one
// EventLog2 carries an eventName plus parallel arrays of typed items
// (address/uint/int/bool/bytes32/bytes/string, each split into single
// "items" and "arrayItems"). PositionFeesCollected and SwapFeesCollected
// are both emitted through this single event type, discriminated by
// eventNameHash (topic1).
const eventEmitterABIJSON = `[
  {"type":"event","name":"EventLog2","anonymous":false,"inputs":[
    {"name":"msgSender","type":"address","indexed":false},
    {"name":"eventName","type":"string","indexed":false},
    {"name":"eventNameHash","type":"string","indexed":true},
    {"name":"topic1","type":"bytes32","indexed":true},
    {"name":"topic2","type":"bytes32","indexed":true},
    {"name":"eventData","type":"tuple","indexed":false,"components":[
      {"name":"addressItems","type":"tuple","components":[
        {"name":"items","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"address"}]},
        {"name":"arrayItems","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"address[]"}]}
      ]},
      {"name":"uintItems","type":"tuple","components":[
        {"name":"items","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"uint256"}]},
        {"name":"arrayItems","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"uint256[]"}]}
      ]},
      {"name":"intItems","type":"tuple","components":[
        {"name":"items","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"int256"}]},
        {"name":"arrayItems","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"int256[]"}]}
      ]},
      {"name":"boolItems","type":"tuple","components":[
        {"name":"items","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"bool"}]},
        {"name":"arrayItems","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"bool[]"}]}
      ]},
      {"name":"bytes32Items","type":"tuple","components":[
        {"name":"items","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"bytes32"}]},
        {"name":"arrayItems","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"bytes32[]"}]}
      ]},
      {"name":"bytesItems","type":"tuple","components":[
        {"name":"items","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"bytes"}]},
        {"name":"arrayItems","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"bytes[]"}]}
      ]},
      {"name":"stringItems","type":"tuple","components":[
        {"name":"items","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"string"}]},
        {"name":"arrayItems","type":"tuple[]","components":[{"name":"key","type":"string"},{"name":"value","type":"string[]"}]}
      ]}
    ]}
  ]}
]`

// EventKind discriminates the two fee-collection event shapes the
// listener cares about; every other EventLog2 is ignored.
type EventKind string

const (
	EventPositionFeesCollected EventKind = "PositionFeesCollected"
	EventSwapFeesCollected     EventKind = "SwapFeesCollected"
)

// EventTopics returns the two event kinds' eventNameHash topics, derived
// the same way the contract computes them (keccak256 of the plain event
// name string, as a GMX-style EventEmitter does for its indexed
// eventNameHash parameter).
func EventTopics() map[common.Hash]EventKind {
	return map[common.Hash]EventKind{
		crypto.Keccak256Hash([]byte(EventPositionFeesCollected)): EventPositionFeesCollected,
		crypto.Keccak256Hash([]byte(EventSwapFeesCollected)):     EventSwapFeesCollected,
	}
}

type addressItem struct {
	Key   string
	Value common.Address
}
type uintItem struct {
	Key   string
	Value *big.Int
}

type eventLogData struct {
	AddressItems struct {
		Items      []addressItem
		ArrayItems []struct {
			Key   string
			Value []common.Address
		}
	}
	UintItems struct {
		Items      []uintItem
		ArrayItems []struct {
			Key   string
			Value []*big.Int
		}
	}
}

// DecodedEvent is the listener's fold-ready view of one EventLog2 log:
// flat address and uint arrays in emission order, matching the index
// positions original_source's abigen-decoded struct exposes
// (address_items[0]=market, address_items[1]=collateral_token,
// uint_items[2]=trade_size_usd, uint_items[10]=borrowing_fee_amount).
type DecodedEvent struct {
	Kind         EventKind
	AddressItems []common.Address
	UintItems    []*big.Int
	UintArrayLen int // length of the uint_items array, for the liquidation-fee whitelist check {26,28,32,34}
}

// EventDecoder parses raw logs into DecodedEvent.
type EventDecoder struct {
	abi    abi.ABI
	topics map[common.Hash]EventKind
}

func NewEventDecoder() (*EventDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(eventEmitterABIJSON))
	if err != nil {
		return nil, domain.WrapErr(domain.ErrConfig, "chain.NewEventDecoder: parse abi", err)
	}
	return &EventDecoder{abi: parsed, topics: EventTopics()}, nil
}

// Topics returns the log-filter topics for PositionFeesCollected and
// SwapFeesCollected, for use in ethereum.FilterQuery.
func (d *EventDecoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.topics))
	for h := range d.topics {
		out = append(out, h)
	}
	return out
}

// Decode parses one log's data into a DecodedEvent, or returns
// (nil, ProtocolDecode) if the log isn't a recognised fee-collection
// event or its payload doesn't unpack per the ABI above. Per §4.1 ("drop
// the event with a warning and do not corrupt other fields"), callers
// must log and continue rather than propagate this as fatal.
func (d *EventDecoder) Decode(topic1 common.Hash, data []byte) (*DecodedEvent, error) {
	kind, ok := d.topics[topic1]
	if !ok {
		return nil, domain.WrapErr(domain.ErrProtocolDecode, "EventDecoder.Decode: unrecognised topic", nil)
	}

	unpacked, err := d.abi.Unpack("EventLog2", data)
	if err != nil {
		return nil, domain.WrapErr(domain.ErrProtocolDecode, "EventDecoder.Decode: unpack", err)
	}
	if len(unpacked) < 3 {
		return nil, domain.WrapErr(domain.ErrProtocolDecode, "EventDecoder.Decode: short return", nil)
	}

	raw, err := abiEncodeDecodeEventData(unpacked[2])
	if err != nil {
		return nil, err
	}

	addrs := make([]common.Address, len(raw.AddressItems.Items))
	for i, it := range raw.AddressItems.Items {
		addrs[i] = it.Value
	}
	uints := make([]*big.Int, len(raw.UintItems.Items))
	for i, it := range raw.UintItems.Items {
		uints[i] = it.Value
	}

	return &DecodedEvent{
		Kind:         kind,
		AddressItems: addrs,
		UintItems:    uints,
		UintArrayLen: len(uints),
	}, nil
}

// abiEncodeDecodeEventData re-marshals the generic "eventData" tuple
// go-ethereum's abi package returns (an anonymous struct built via
// reflect.StructOf, one per call site) into the named eventLogData shape
// this package works with, field-by-field by name since the two types
// are structurally identical but never the same defined type.
func abiEncodeDecodeEventData(v interface{}) (eventLogData, error) {
	var ed eventLogData
	src := reflect.ValueOf(v)
	if src.Kind() != reflect.Struct {
		return eventLogData{}, domain.WrapErr(domain.ErrProtocolDecode, "abiEncodeDecodeEventData: unexpected shape", nil)
	}
	dst := reflect.ValueOf(&ed).Elem()
	if err := copyStructByName(dst, src); err != nil {
		return eventLogData{}, domain.WrapErr(domain.ErrProtocolDecode, "abiEncodeDecodeEventData: copy", err)
	}
	return ed, nil
}

// copyStructByName copies every field of src into the identically named
// field of dst, recursing into nested structs and slices of structs.
func copyStructByName(dst, src reflect.Value) error {
	if src.Kind() != reflect.Struct || dst.Kind() != reflect.Struct {
		return fmt.Errorf("copyStructByName: expected structs, got %s/%s", dst.Kind(), src.Kind())
	}
	for i := 0; i < dst.NumField(); i++ {
		df := dst.Type().Field(i)
		sf := src.FieldByName(df.Name)
		if !sf.IsValid() {
			continue
		}
		if err := copyValue(dst.Field(i), sf); err != nil {
			return err
		}
	}
	return nil
}

func copyValue(dst, src reflect.Value) error {
	switch dst.Kind() {
	case reflect.Struct:
		return copyStructByName(dst, src)
	case reflect.Slice:
		if src.Kind() != reflect.Slice {
			return fmt.Errorf("copyValue: expected slice, got %s", src.Kind())
		}
		out := reflect.MakeSlice(dst.Type(), src.Len(), src.Len())
		for i := 0; i < src.Len(); i++ {
			if err := copyValue(out.Index(i), src.Index(i)); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil
	default:
		if src.Type().AssignableTo(dst.Type()) {
			dst.Set(src)
			return nil
		}
		if src.Type().ConvertibleTo(dst.Type()) {
			dst.Set(src.Convert(dst.Type()))
			return nil
		}
		return fmt.Errorf("copyValue: cannot assign %s to %s", src.Type(), dst.Type())
	}
}
