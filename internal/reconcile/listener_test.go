package reconcile

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmor/loan-engine/internal/chain"
	"github.com/bitmor/loan-engine/internal/events"
	"github.com/bitmor/loan-engine/internal/model"
)

// stubDecoder maps a log's first topic to a canned event.
type stubDecoder struct {
	events map[common.Hash]events.Event
}

func (d *stubDecoder) Decode(log types.Log) (events.Event, error) {
	if len(log.Topics) == 0 {
		return events.Event{}, events.ErrUnknownEvent
	}
	ev, ok := d.events[log.Topics[0]]
	if !ok {
		return events.Event{}, events.ErrUnknownEvent
	}
	return ev, nil
}

// scriptedHandler returns queued errors per tx hash, then nil.
type scriptedHandler struct {
	mu      sync.Mutex
	errs    map[common.Hash][]error
	handled []common.Hash
	calls   int
}

func (h *scriptedHandler) Handle(_ context.Context, ev events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if q := h.errs[ev.TxHash]; len(q) > 0 {
		h.errs[ev.TxHash] = q[1:]
		return q[0]
	}
	h.handled = append(h.handled, ev.TxHash)
	return nil
}

func newTestListener(dec Decoder, h Handler, retries int) *Listener {
	return &Listener{
		name:    "test",
		decoder: dec,
		handler: h,
		cfg:     ListenerConfig{Retries: retries, Backoff: time.Millisecond},
		logger:  discardLogger(),
	}
}

func topicLog(topic common.Hash) types.Log {
	return types.Log{Topics: []common.Hash{topic}}
}

func TestListener_RetriesTransientThenSucceeds(t *testing.T) {
	h := &scriptedHandler{errs: map[common.Hash][]error{
		txHash(1): {errors.New("rpc timeout"), errors.New("rpc timeout")},
	}}
	l := newTestListener(nil, h, 3)

	ok := l.apply(context.Background(), events.Event{Kind: events.KindLoanRepaid, TxHash: txHash(1)})
	assert.True(t, ok)
	assert.Equal(t, 3, h.calls)
	assert.Equal(t, []common.Hash{txHash(1)}, h.handled)
}

func TestListener_RetriesExhaustedLeavesBatchUnacked(t *testing.T) {
	fail := errors.New("rpc down")
	h := &scriptedHandler{errs: map[common.Hash][]error{
		txHash(1): {fail, fail, fail, fail, fail},
	}}
	l := newTestListener(nil, h, 2)

	ok := l.apply(context.Background(), events.Event{Kind: events.KindLoanRepaid, TxHash: txHash(1)})
	assert.False(t, ok)
	assert.Equal(t, 3, h.calls)
	assert.Empty(t, h.handled)
}

func TestListener_TransientFailureRedeliversBatch(t *testing.T) {
	first := common.HexToHash("0x01")
	second := common.HexToHash("0x02")
	dec := &stubDecoder{events: map[common.Hash]events.Event{
		first:  {Kind: events.KindLoanCreated, TxHash: txHash(1)},
		second: {Kind: events.KindLoanRepaid, TxHash: txHash(2)},
	}}
	fail := errors.New("rpc down")
	h := &scriptedHandler{errs: map[common.Hash][]error{
		txHash(1): {fail, fail},
	}}
	l := newTestListener(dec, h, 1)
	batch := chain.Batch{From: 1, To: 5, Logs: []types.Log{topicLog(first), topicLog(second)}}

	// The outage outlasts the retries: the batch stops at the failing log.
	assert.False(t, l.process(context.Background(), batch))
	assert.Empty(t, h.handled)

	// Redelivery after recovery applies the whole range in order.
	assert.True(t, l.process(context.Background(), batch))
	assert.Equal(t, []common.Hash{txHash(1), txHash(2)}, h.handled)
}

func TestListener_PermanentErrorNotRetried(t *testing.T) {
	h := &scriptedHandler{errs: map[common.Hash][]error{
		txHash(1): {ErrUnknownLoan},
	}}
	l := newTestListener(nil, h, 5)

	ok := l.apply(context.Background(), events.Event{Kind: events.KindLoanRepaid, TxHash: txHash(1)})
	assert.True(t, ok)
	assert.Equal(t, 1, h.calls)
}

func TestListener_CancelledContextLeavesBatchUnacked(t *testing.T) {
	h := &scriptedHandler{errs: map[common.Hash][]error{
		txHash(1): {errors.New("transient")},
	}}
	l := newTestListener(nil, h, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok := l.apply(ctx, events.Event{Kind: events.KindLoanRepaid, TxHash: txHash(1)})
	assert.False(t, ok)
}

func TestListener_ProcessSkipsUndecodableAndRemovedLogs(t *testing.T) {
	known := common.HexToHash("0x01")
	other := common.HexToHash("0x02")
	dec := &stubDecoder{events: map[common.Hash]events.Event{
		known: {Kind: events.KindLoanClosed, TxHash: txHash(7)},
		other: {Kind: events.KindLoanClosed, TxHash: txHash(8)},
	}}
	h := &scriptedHandler{errs: map[common.Hash][]error{}}
	l := newTestListener(dec, h, 0)

	removed := topicLog(other)
	removed.Removed = true
	batch := chain.Batch{
		From: 1,
		To:   5,
		Logs: []types.Log{topicLog(common.HexToHash("0xff")), removed, topicLog(known)},
	}

	assert.True(t, l.process(context.Background(), batch))
	assert.Equal(t, []common.Hash{txHash(7)}, h.handled)
}

// Loan, auto-repayment and lending-pool logs share one stream, so a pool
// event is never applied before the LoanCreated it depends on.
func TestListener_MixedContractBatchAppliesInChainOrder(t *testing.T) {
	ctx := context.Background()
	r, st, ch, pub := newTestReconciler(t)
	ch.addLoan(lsaA)

	created := common.HexToHash("0xc1")
	autoOn := common.HexToHash("0xc2")
	liquidated := common.HexToHash("0xc3")
	liquidation := events.Event{
		Kind:        events.KindLiquidation,
		LSA:         lsaA,
		Amount:      big.NewInt(70000000000),
		Liquidator:  common.HexToAddress("0x77"),
		TxHash:      txHash(20),
		BlockNumber: 20,
	}
	dec := &stubDecoder{events: map[common.Hash]events.Event{
		created:    createdEvent(lsaA, 10),
		autoOn:     {Kind: events.KindAutoRepaymentCreated, LSA: lsaA, Account: borrower, TxHash: txHash(11), BlockNumber: 11},
		liquidated: liquidation,
	}}
	l := newTestListener(dec, r, 0)

	batch := chain.Batch{
		From: 10,
		To:   20,
		Logs: []types.Log{topicLog(created), topicLog(autoOn), topicLog(liquidated)},
	}
	require.True(t, l.process(ctx, batch))

	loan, err := st.FindByLSA(ctx, lsaA.Hex())
	require.NoError(t, err)
	assert.True(t, loan.AutoRepaymentEnabled())
	require.NotNil(t, loan.FullyLiquidatedDate)
	assert.True(t, loan.FullyLiquidatedDate.Equal(blockTime(20)))
	assert.Equal(t, model.StatusLiquidated, loan.Status())
	assert.Len(t, pub.updates, 3)
}
