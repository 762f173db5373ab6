// Package events decodes loan-protocol chain logs into one canonical event
// shape. Each deployment's schema version selects a set of per-event
// decoders, so consumers never inspect raw ABI fields.
package events

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Kind identifies a canonical event.
type Kind string

const (
	KindLoanCreated            Kind = "loanCreated"
	KindLoanRepaid             Kind = "loanRepaid"
	KindLoanClosed             Kind = "loanClosed"
	KindMicroLiquidation       Kind = "microLiquidation"
	KindLiquidation            Kind = "liquidation"
	KindAutoRepaymentCreated   Kind = "autoRepaymentCreated"
	KindAutoRepaymentCancelled Kind = "autoRepaymentCancelled"
)

// Source is the contract that emits an event kind.
type Source string

const (
	SourceLoan          Source = "loan"
	SourceLendingPool   Source = "lendingPool"
	SourceAutoRepayment Source = "autoRepayment"
)

// Source returns the emitting contract for k.
func (k Kind) Source() Source {
	switch k {
	case KindMicroLiquidation, KindLiquidation:
		return SourceLendingPool
	case KindAutoRepaymentCreated, KindAutoRepaymentCancelled:
		return SourceAutoRepayment
	default:
		return SourceLoan
	}
}

var (
	ErrUnknownSchema = errors.New("events: unknown schema version")
	ErrUnknownEvent  = errors.New("events: log does not match a known event")
	ErrMalformed     = errors.New("events: malformed event payload")
)

// Event is the canonical decoded form of every protocol log.
// LSA is always set. For liquidation kinds it is the liquidated user.
type Event struct {
	Kind        Kind
	LSA         common.Address
	Account     common.Address // borrower or auto-repayment user
	Amount      *big.Int       // loan amount, amount repaid or debt covered
	Collateral  *big.Int
	Liquidator  common.Address
	Contract    common.Address
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// Key identifies the log that produced the event.
func (e Event) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

type decoder struct {
	kind   Kind
	event  abi.Event
	fields fields
}

// Registry holds the decoders of one schema version, keyed by event ID.
type Registry struct {
	version   int
	byID      map[common.Hash]*decoder
	byKind    map[Kind]*decoder
	contracts map[Source]common.Address
}

// NewRegistry builds the decoders for a schema version.
func NewRegistry(version int) (*Registry, error) {
	variants, ok := schemas[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSchema, version)
	}

	r := &Registry{
		version: version,
		byID:    make(map[common.Hash]*decoder, len(variants)),
		byKind:  make(map[Kind]*decoder, len(variants)),
	}
	for _, v := range variants {
		parsed, err := abi.JSON(strings.NewReader("[" + v.abi + "]"))
		if err != nil {
			return nil, fmt.Errorf("events: parse %s ABI: %w", v.kind, err)
		}
		if len(parsed.Events) != 1 {
			return nil, fmt.Errorf("events: %s ABI must define one event", v.kind)
		}
		for _, ev := range parsed.Events {
			d := &decoder{kind: v.kind, event: ev, fields: v.fields}
			r.byID[ev.ID] = d
			r.byKind[v.kind] = d
		}
	}
	return r, nil
}

// Version returns the schema version.
func (r *Registry) Version() int {
	return r.version
}

// Kinds returns every kind the registry decodes, sorted.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// EventID returns the topic0 of kind.
func (r *Registry) EventID(kind Kind) (common.Hash, bool) {
	d, ok := r.byKind[kind]
	if !ok {
		return common.Hash{}, false
	}
	return d.event.ID, true
}

// BindContracts restricts decoding to logs emitted by the contract that owns
// each kind. Kinds whose source is not in contracts decode from any address.
// Call it before the registry is shared.
func (r *Registry) BindContracts(contracts map[Source]common.Address) {
	r.contracts = make(map[Source]common.Address, len(contracts))
	for src, addr := range contracts {
		r.contracts[src] = addr
	}
}

// Topics returns the log filter topics matching any of kinds.
func (r *Registry) Topics(kinds ...Kind) [][]common.Hash {
	ids := make([]common.Hash, 0, len(kinds))
	for _, k := range kinds {
		if d, ok := r.byKind[k]; ok {
			ids = append(ids, d.event.ID)
		}
	}
	return [][]common.Hash{ids}
}

// Decode converts a raw log into the canonical Event.
func (r *Registry) Decode(log types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return Event{}, ErrUnknownEvent
	}
	d, ok := r.byID[log.Topics[0]]
	if !ok {
		return Event{}, fmt.Errorf("%w: topic %s", ErrUnknownEvent, log.Topics[0].Hex())
	}
	if want, ok := r.contracts[d.kind.Source()]; ok && log.Address != want {
		return Event{}, fmt.Errorf("%w: %s emitted by %s", ErrUnknownEvent, d.kind, log.Address.Hex())
	}

	values := make(map[string]interface{})

	var indexed abi.Arguments
	for _, arg := range d.event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(log.Topics)-1 != len(indexed) {
		return Event{}, fmt.Errorf("%w: %s expects %d indexed topics, got %d",
			ErrMalformed, d.kind, len(indexed), len(log.Topics)-1)
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
			return Event{}, fmt.Errorf("%w: %s topics: %v", ErrMalformed, d.kind, err)
		}
	}
	if nonIndexed := d.event.Inputs.NonIndexed(); len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(values, log.Data); err != nil {
			return Event{}, fmt.Errorf("%w: %s data: %v", ErrMalformed, d.kind, err)
		}
	}

	ev := Event{
		Kind:        d.kind,
		Contract:    log.Address,
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
	}
	var err error
	if ev.LSA, err = address(values, d.fields.lsa); err != nil {
		return Event{}, fmt.Errorf("%s: %w", d.kind, err)
	}
	if ev.LSA == (common.Address{}) {
		return Event{}, fmt.Errorf("%w: %s has zero account", ErrMalformed, d.kind)
	}
	if ev.Account, err = address(values, d.fields.account); err != nil {
		return Event{}, fmt.Errorf("%s: %w", d.kind, err)
	}
	if ev.Liquidator, err = address(values, d.fields.liquidator); err != nil {
		return Event{}, fmt.Errorf("%s: %w", d.kind, err)
	}
	if ev.Amount, err = amount(values, d.fields.amount); err != nil {
		return Event{}, fmt.Errorf("%s: %w", d.kind, err)
	}
	if ev.Collateral, err = amount(values, d.fields.collateral); err != nil {
		return Event{}, fmt.Errorf("%s: %w", d.kind, err)
	}
	return ev, nil
}

func address(values map[string]interface{}, name string) (common.Address, error) {
	if name == "" {
		return common.Address{}, nil
	}
	v, ok := values[name].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: field %s missing or not an address", ErrMalformed, name)
	}
	return v, nil
}

func amount(values map[string]interface{}, name string) (*big.Int, error) {
	if name == "" {
		return nil, nil
	}
	v, ok := values[name].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: field %s missing or not an integer", ErrMalformed, name)
	}
	return v, nil
}
