package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmor/loan-engine/internal/chain"
	"github.com/bitmor/loan-engine/internal/events"
	"github.com/bitmor/loan-engine/internal/model"
	"github.com/bitmor/loan-engine/internal/store"
)

var (
	lsaA          = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	borrower      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	autoRepayAddr = common.HexToAddress("0x00000000000000000000000000000000000000ce")
	loanContract  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	genesis       = time.Unix(1700000000, 0).UTC()
)

type fakeChain struct {
	mu    sync.Mutex
	loans map[common.Address]*chain.LoanData
	txTo  map[common.Hash]*common.Address
	price decimal.Decimal
	err   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		loans: make(map[common.Address]*chain.LoanData),
		txTo:  make(map[common.Hash]*common.Address),
		price: decimal.RequireFromString("100000.25"),
	}
}

func (f *fakeChain) addLoan(lsa common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loans[lsa] = &chain.LoanData{
		Borrower:                borrower,
		DepositAmount:           big.NewInt(30000000000),
		LoanAmount:              big.NewInt(70000000000),
		CollateralAmount:        big.NewInt(100000000),
		EstimatedMonthlyPayment: big.NewInt(6219415648),
		Duration:                big.NewInt(12),
		CreatedAt:               big.NewInt(genesis.Unix()),
		InsuranceID:             big.NewInt(0),
		LastPaymentTimestamp:    big.NewInt(0),
	}
}

func (f *fakeChain) setTxTo(hash common.Hash, to common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txTo[hash] = &to
}

func (f *fakeChain) LoanByAccount(_ context.Context, lsa common.Address) (*chain.LoanData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.loans[lsa]
	if !ok {
		return nil, chain.ErrLoanNotFound
	}
	return d, nil
}

func (f *fakeChain) SpotPrice(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.err
}

// Blocks are two seconds apart starting at genesis.
func (f *fakeChain) BlockTime(_ context.Context, number uint64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return time.Time{}, f.err
	}
	return blockTime(number), nil
}

func (f *fakeChain) Transaction(_ context.Context, hash common.Hash) (*chain.TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	to := f.txTo[hash]
	if to == nil {
		to = &loanContract
	}
	return &chain.TxInfo{Hash: hash, To: to, Status: 1, BlockNumber: 10, GasUsed: 21000}, nil
}

func blockTime(number uint64) time.Time {
	return genesis.Add(time.Duration(number) * 2 * time.Second)
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []Update
}

func (p *recordingPublisher) PublishLoanUpdate(u Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.MemoryStore, *fakeChain, *recordingPublisher) {
	t.Helper()
	st := store.NewMemoryStore()
	ch := newFakeChain()
	pub := &recordingPublisher{}
	return New(st, ch, autoRepayAddr, pub, nil), st, ch, pub
}

func txHash(n int) common.Hash {
	return common.BigToHash(big.NewInt(int64(n)))
}

func createdEvent(lsa common.Address, block uint64) events.Event {
	return events.Event{
		Kind:        events.KindLoanCreated,
		LSA:         lsa,
		Account:     borrower,
		Amount:      big.NewInt(70000000000),
		Collateral:  big.NewInt(100000000),
		Contract:    loanContract,
		TxHash:      txHash(int(block)),
		BlockNumber: block,
	}
}

func repaidEvent(lsa common.Address, tx int, block uint64, amount int64) events.Event {
	return events.Event{
		Kind:        events.KindLoanRepaid,
		LSA:         lsa,
		Amount:      big.NewInt(amount),
		Contract:    loanContract,
		TxHash:      txHash(tx),
		BlockNumber: block,
	}
}

func TestHandle_LoanCreated(t *testing.T) {
	ctx := context.Background()
	r, st, ch, pub := newTestReconciler(t)
	ch.addLoan(lsaA)

	require.NoError(t, r.Handle(ctx, createdEvent(lsaA, 10)))

	loan, err := st.FindByLSA(ctx, lsaA.Hex())
	require.NoError(t, err)
	assert.Equal(t, borrower.Hex(), loan.Wallet)
	assert.Equal(t, "30000000000", loan.Deposit)
	assert.Equal(t, "70000000000", loan.Loan)
	assert.Equal(t, "100000000", loan.Collateral)
	assert.Equal(t, "6219415648", loan.EstimatedMonthlyPayment)
	assert.Equal(t, "12", loan.Duration)
	assert.True(t, loan.PriceAtBuy.Equal(decimal.RequireFromString("100000.25")))
	assert.True(t, loan.CreatedAt.Equal(blockTime(10)))
	assert.Equal(t, fmt.Sprint(blockTime(10).Unix()), loan.Salt)
	assert.True(t, loan.IsActive())

	initTx, ok := st.LoanInitTx(lsaA.Hex())
	require.True(t, ok)
	assert.Equal(t, txHash(10).Hex(), initTx.TxHash)
	assert.Equal(t, uint64(21000), initTx.GasUsed)

	require.Len(t, pub.updates, 1)
	assert.Equal(t, events.KindLoanCreated, pub.updates[0].Kind)
}

func TestHandle_LoanCreatedReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	r, st, ch, pub := newTestReconciler(t)
	ch.addLoan(lsaA)

	require.NoError(t, r.Handle(ctx, createdEvent(lsaA, 10)))
	require.NoError(t, r.Handle(ctx, createdEvent(lsaA, 10)))

	loans, err := st.ListLoans(ctx)
	require.NoError(t, err)
	assert.Len(t, loans, 1)
	assert.Len(t, pub.updates, 1)
}

func TestHandle_LoanCreatedNotYetOnChain(t *testing.T) {
	ctx := context.Background()
	r, st, _, _ := newTestReconciler(t)

	err := r.Handle(ctx, createdEvent(lsaA, 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoanNotOnChain)
	assert.True(t, Permanent(err))

	loans, err := st.ListLoans(ctx)
	require.NoError(t, err)
	assert.Empty(t, loans)
	_, ok := st.LoanInitTx(lsaA.Hex())
	assert.False(t, ok)
}

func TestHandle_UpstreamFailureIsTransient(t *testing.T) {
	ctx := context.Background()
	r, st, ch, _ := newTestReconciler(t)
	ch.addLoan(lsaA)
	ch.err = errors.New("rpc unavailable")

	err := r.Handle(ctx, createdEvent(lsaA, 10))
	require.Error(t, err)
	assert.False(t, Permanent(err))

	_, err = st.FindByLSA(ctx, lsaA.Hex())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandle_RepaymentReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, st, ch, _ := newTestReconciler(t)
	ch.addLoan(lsaA)
	require.NoError(t, r.Handle(ctx, createdEvent(lsaA, 10)))

	ev := repaidEvent(lsaA, 500, 20, 6219415648)
	require.NoError(t, r.Handle(ctx, ev))
	require.NoError(t, r.Handle(ctx, ev))
	require.NoError(t, r.Handle(ctx, ev))

	loan, err := st.FindByLSA(ctx, lsaA.Hex())
	require.NoError(t, err)
	require.Len(t, loan.Repayments, 1)
	assert.Equal(t, txHash(500).Hex(), loan.Repayments[0].TxHash)
	assert.Equal(t, "6219415648", loan.Repayments[0].Amount)
	assert.Equal(t, blockTime(20).Unix(), loan.Repayments[0].PaymentDate)
}

func TestHandle_RepaymentForUnknownLSA(t *testing.T) {
	ctx := context.Background()
	r, st, _, pub := newTestReconciler(t)

	err := r.Handle(ctx, repaidEvent(lsaA, 500, 20, 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownLoan)
	assert.True(t, Permanent(err))

	loans, err := st.ListLoans(ctx)
	require.NoError(t, err)
	assert.Empty(t, loans)
	assert.Empty(t, pub.updates)
}

func TestHandle_RepaymentClassification(t *testing.T) {
	ctx := context.Background()
	r, st, ch, _ := newTestReconciler(t)
	ch.addLoan(lsaA)
	require.NoError(t, r.Handle(ctx, createdEvent(lsaA, 10)))

	ch.setTxTo(txHash(601), autoRepayAddr)
	require.NoError(t, r.Handle(ctx, repaidEvent(lsaA, 600, 20, 100)))
	require.NoError(t, r.Handle(ctx, repaidEvent(lsaA, 601, 21, 200)))
	require.NoError(t, r.Handle(ctx, events.Event{
		Kind:        events.KindMicroLiquidation,
		LSA:         lsaA,
		Amount:      big.NewInt(300),
		Liquidator:  common.HexToAddress("0x1234"),
		TxHash:      txHash(602),
		BlockNumber: 22,
	}))

	loan, err := st.FindByLSA(ctx, lsaA.Hex())
	require.NoError(t, err)
	require.Len(t, loan.Repayments, 3)
	assert.Equal(t, model.PaymentRegular, loan.Repayments[0].PaymentType)
	assert.Equal(t, model.PaymentAutoRepayment, loan.Repayments[1].PaymentType)
	assert.Equal(t, model.PaymentMicroLiquidation, loan.Repayments[2].PaymentType)
	assert.Equal(t, "300", loan.Repayments[2].Amount)
}

func TestClassifyRepayment(t *testing.T) {
	other := common.HexToAddress("0x99")
	tests := []struct {
		name string
		kind events.Kind
		to   *common.Address
		auto common.Address
		want model.PaymentType
	}{
		{"to auto-repayment contract", events.KindLoanRepaid, &autoRepayAddr, autoRepayAddr, model.PaymentAutoRepayment},
		{"to other contract", events.KindLoanRepaid, &other, autoRepayAddr, model.PaymentRegular},
		{"contract creation", events.KindLoanRepaid, nil, autoRepayAddr, model.PaymentRegular},
		{"auto-repayment not configured", events.KindLoanRepaid, &common.Address{}, common.Address{}, model.PaymentRegular},
		{"micro liquidation", events.KindMicroLiquidation, &autoRepayAddr, autoRepayAddr, model.PaymentMicroLiquidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRepayment(tt.kind, tt.to, tt.auto))
		})
	}
}

func TestHandle_LiquidationExcludesFromAutoRepayment(t *testing.T) {
	ctx := context.Background()
	r, st, ch, _ := newTestReconciler(t)
	ch.addLoan(lsaA)
	require.NoError(t, r.Handle(ctx, createdEvent(lsaA, 10)))
	require.NoError(t, r.Handle(ctx, events.Event{
		Kind: events.KindAutoRepaymentCreated, LSA: lsaA, Account: borrower, TxHash: txHash(11), BlockNumber: 11,
	}))

	due, err := st.ListAutoRepaymentLoans(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, r.Handle(ctx, events.Event{
		Kind:        events.KindLiquidation,
		LSA:         lsaA,
		Amount:      big.NewInt(70000000000),
		Liquidator:  common.HexToAddress("0x77"),
		TxHash:      txHash(900),
		BlockNumber: 900,
	}))

	loan, err := st.FindByLSA(ctx, lsaA.Hex())
	require.NoError(t, err)
	require.NotNil(t, loan.FullyLiquidatedDate)
	assert.True(t, loan.FullyLiquidatedDate.Equal(blockTime(900)))
	assert.Equal(t, model.StatusLiquidated, loan.Status())

	due, err = st.ListAutoRepaymentLoans(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	err = r.Handle(ctx, repaidEvent(lsaA, 901, 901, 5))
	assert.ErrorIs(t, err, ErrLoanTerminal)
}

func TestHandle_ClosedUsesBlockTime(t *testing.T) {
	ctx := context.Background()
	r, st, ch, _ := newTestReconciler(t)
	ch.addLoan(lsaA)
	require.NoError(t, r.Handle(ctx, createdEvent(lsaA, 10)))

	closed := events.Event{Kind: events.KindLoanClosed, LSA: lsaA, TxHash: txHash(50), BlockNumber: 50}
	require.NoError(t, r.Handle(ctx, closed))
	require.NoError(t, r.Handle(ctx, events.Event{Kind: events.KindLoanClosed, LSA: lsaA, TxHash: txHash(60), BlockNumber: 60}))

	loan, err := st.FindByLSA(ctx, lsaA.Hex())
	require.NoError(t, err)
	require.NotNil(t, loan.EarlyCloseDate)
	assert.True(t, loan.EarlyCloseDate.Equal(blockTime(50)))
	assert.Equal(t, model.StatusEarlyClosed, loan.Status())
}

func TestHandle_AutoRepaymentToggle(t *testing.T) {
	ctx := context.Background()
	r, st, ch, _ := newTestReconciler(t)
	ch.addLoan(lsaA)
	require.NoError(t, r.Handle(ctx, createdEvent(lsaA, 10)))

	require.NoError(t, r.Handle(ctx, events.Event{Kind: events.KindAutoRepaymentCreated, LSA: lsaA, TxHash: txHash(11), BlockNumber: 11}))
	loan, err := st.FindByLSA(ctx, lsaA.Hex())
	require.NoError(t, err)
	assert.True(t, loan.AutoRepaymentEnabled())
	require.NotNil(t, loan.AutoRepayment.EnabledAt)
	assert.True(t, loan.AutoRepayment.EnabledAt.Equal(blockTime(11)))

	require.NoError(t, r.Handle(ctx, events.Event{Kind: events.KindAutoRepaymentCancelled, LSA: lsaA, TxHash: txHash(12), BlockNumber: 12}))
	loan, err = st.FindByLSA(ctx, lsaA.Hex())
	require.NoError(t, err)
	assert.False(t, loan.AutoRepaymentEnabled())

	err = r.Handle(ctx, events.Event{Kind: events.KindAutoRepaymentCreated, LSA: common.HexToAddress("0xdead"), TxHash: txHash(13), BlockNumber: 13})
	assert.ErrorIs(t, err, ErrUnknownLoan)
}

// laggingStore serves a fixed snapshot from FindByLSA once set, the way an
// unexpired cache entry would, while writes reach the primary.
type laggingStore struct {
	*store.MemoryStore
	snapshot *model.Loan
}

func (s *laggingStore) FindByLSA(ctx context.Context, lsa string) (*model.Loan, error) {
	if s.snapshot != nil {
		cp := *s.snapshot
		return &cp, nil
	}
	return s.MemoryStore.FindByLSA(ctx, lsa)
}

func TestHandle_AutoRepaymentWritesThroughStaleRead(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	st := &laggingStore{MemoryStore: mem}
	ch := newFakeChain()
	r := New(st, ch, autoRepayAddr, &recordingPublisher{}, nil)
	ch.addLoan(lsaA)
	require.NoError(t, r.Handle(ctx, createdEvent(lsaA, 10)))

	before, err := mem.FindByLSA(ctx, lsaA.Hex())
	require.NoError(t, err)
	require.False(t, before.AutoRepaymentEnabled())

	require.NoError(t, r.Handle(ctx, events.Event{Kind: events.KindAutoRepaymentCreated, LSA: lsaA, TxHash: txHash(11), BlockNumber: 11}))
	st.snapshot = before

	require.NoError(t, r.Handle(ctx, events.Event{Kind: events.KindAutoRepaymentCancelled, LSA: lsaA, TxHash: txHash(12), BlockNumber: 12}))
	loan, err := mem.FindByLSA(ctx, lsaA.Hex())
	require.NoError(t, err)
	assert.False(t, loan.AutoRepaymentEnabled())
	require.NotNil(t, loan.AutoRepayment.EnabledAt)
	assert.True(t, loan.AutoRepayment.EnabledAt.Equal(blockTime(11)))

	due, err := mem.ListAutoRepaymentLoans(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestHandle_LendingPoolForeignAccountIgnored(t *testing.T) {
	ctx := context.Background()
	r, st, _, pub := newTestReconciler(t)

	err := r.Handle(ctx, events.Event{
		Kind:        events.KindLiquidation,
		LSA:         common.HexToAddress("0xf00"),
		Amount:      big.NewInt(1),
		TxHash:      txHash(1),
		BlockNumber: 1,
	})
	require.NoError(t, err)

	loans, err := st.ListLoans(ctx)
	require.NoError(t, err)
	assert.Empty(t, loans)
	assert.Empty(t, pub.updates)
}

func TestHandle_MalformedEvent(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)

	err := r.Handle(context.Background(), events.Event{Kind: events.KindLoanRepaid, TxHash: txHash(1)})
	assert.ErrorIs(t, err, ErrMalformedEvent)

	err = r.Handle(context.Background(), events.Event{Kind: events.KindLoanRepaid, LSA: lsaA, TxHash: txHash(1)})
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestHandle_ConcurrentEventsSameLSA(t *testing.T) {
	ctx := context.Background()
	r, st, ch, _ := newTestReconciler(t)
	ch.addLoan(lsaA)
	require.NoError(t, r.Handle(ctx, createdEvent(lsaA, 10)))

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.Handle(ctx, repaidEvent(lsaA, 1000+i, uint64(100+i), 10)))
			// every repayment is delivered twice
			assert.NoError(t, r.Handle(ctx, repaidEvent(lsaA, 1000+i, uint64(100+i), 10)))
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.Handle(ctx, events.Event{Kind: events.KindAutoRepaymentCreated, LSA: lsaA, TxHash: txHash(2000), BlockNumber: 200}))
	}()
	wg.Wait()

	loan, err := st.FindByLSA(ctx, lsaA.Hex())
	require.NoError(t, err)
	assert.Len(t, loan.Repayments, n)
	assert.True(t, loan.AutoRepaymentEnabled())
	assert.Equal(t, 0, r.locks.size())
}
