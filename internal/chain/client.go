// Package chain is the typed facade over the loan protocol's contracts:
// view reads, the auto-repayment write, receipts, block times and log
// subscriptions. Everything else in the service depends on this package's
// methods, never on an RPC library directly.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

// Supported chain IDs.
const (
	ChainBase        = 8453
	ChainBaseSepolia = 84532
)

// Contract values are reported with 8 fractional digits.
const priceDecimals = 8

var (
	ErrUnsupportedChain = errors.New("chain: unsupported chain id")
	ErrChainMismatch    = errors.New("chain: node chain id does not match config")
	ErrLoanNotFound     = errors.New("chain: no loan for account")
	ErrPending          = errors.New("chain: transaction not yet mined")
	ErrNoSigner         = errors.New("chain: no executor key configured")
)

// Backend is the subset of the Ethereum RPC the facade uses.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// Addresses are the protocol contracts the facade talks to.
type Addresses struct {
	Loan          common.Address
	LendingPool   common.Address
	AutoRepayment common.Address
	PriceFeed     common.Address
}

// Config configures the facade.
type Config struct {
	ChainID     int64
	Addresses   Addresses
	ExecutorKey string // hex, optional; required for SendAutoRepayment
	ReceiptPoll time.Duration
}

// LoanData is the canonical on-chain loan state returned by getLoanByLSA.
type LoanData struct {
	Borrower                common.Address
	DepositAmount           *big.Int
	LoanAmount              *big.Int
	CollateralAmount        *big.Int
	EstimatedMonthlyPayment *big.Int
	Duration                *big.Int
	CreatedAt               *big.Int
	InsuranceID             *big.Int
	LastPaymentTimestamp    *big.Int
	Status                  uint8
}

// TxInfo is a mined transaction with its receipt summary.
type TxInfo struct {
	Hash        common.Hash
	To          *common.Address
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
	Logs        []*types.Log
}

// Receipt is the confirmation outcome of a submitted transaction.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r.Status == types.ReceiptStatusSuccessful
}

// Client implements the chain facade over a Backend. Spot prices are read from
// a separate backend because the price feed lives on mainnet.
type Client struct {
	backend  Backend
	prices   Backend
	cfg      Config
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	executor common.Address

	loanABI  abi.ABI
	feedABI  abi.ABI
	repayABI abi.ABI

	logger *slog.Logger
}

// NewClient constructs the facade. prices may be nil to read the price feed
// from backend.
func NewClient(backend, prices Backend, cfg Config, logger *slog.Logger) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain: backend required")
	}
	if prices == nil {
		prices = backend
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}

	c := &Client{
		backend: backend,
		prices:  prices,
		cfg:     cfg,
		chainID: big.NewInt(cfg.ChainID),
		logger:  logger,
	}

	var err error
	if c.loanABI, err = abi.JSON(strings.NewReader(loanABI)); err != nil {
		return nil, fmt.Errorf("chain: parse loan ABI: %w", err)
	}
	if c.feedABI, err = abi.JSON(strings.NewReader(priceFeedABI)); err != nil {
		return nil, fmt.Errorf("chain: parse price feed ABI: %w", err)
	}
	if c.repayABI, err = abi.JSON(strings.NewReader(autoRepaymentABI)); err != nil {
		return nil, fmt.Errorf("chain: parse auto-repayment ABI: %w", err)
	}

	if cfg.ExecutorKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.ExecutorKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("chain: executor key: %w", err)
		}
		c.key = key
		c.executor = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// Addresses returns the configured contracts.
func (c *Client) Addresses() Addresses {
	return c.cfg.Addresses
}

// Executor returns the address that signs auto-repayments.
func (c *Client) Executor() common.Address {
	return c.executor
}

// SupportedChain reports whether id is a chain the protocol is deployed on.
func SupportedChain(id int64) bool {
	return id == ChainBase || id == ChainBaseSepolia
}

// CheckChainID verifies the configured chain is supported and that the node
// serves it.
func (c *Client) CheckChainID(ctx context.Context) error {
	if !SupportedChain(c.cfg.ChainID) {
		return fmt.Errorf("%w: %d", ErrUnsupportedChain, c.cfg.ChainID)
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain: fetch chain id: %w", err)
	}
	if id.Cmp(c.chainID) != 0 {
		return fmt.Errorf("%w: node=%s config=%d", ErrChainMismatch, id, c.cfg.ChainID)
	}
	return nil
}

// LoanByAccount reads the canonical loan state for lsa. A reverted call or a
// zero borrower means the loan does not exist yet.
func (c *Client) LoanByAccount(ctx context.Context, lsa common.Address) (*LoanData, error) {
	out, err := c.call(ctx, c.backend, c.loanABI, c.cfg.Addresses.Loan, "getLoanByLSA", lsa)
	if err != nil {
		var de rpc.DataError
		if errors.As(err, &de) {
			return nil, fmt.Errorf("%w: %s reverted: %v", ErrLoanNotFound, lsa.Hex(), err)
		}
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("chain: getLoanByLSA returned %d values", len(out))
	}
	data := *abi.ConvertType(out[0], new(LoanData)).(*LoanData)
	if data.Borrower == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s", ErrLoanNotFound, lsa.Hex())
	}
	return &data, nil
}

// StrikePrice runs the contract's strike computation over the deposit and loan
// notionals (quote-asset integers). The result is truncated to whole units.
func (c *Client) StrikePrice(ctx context.Context, depositNotional, loanNotional *big.Int) (decimal.Decimal, error) {
	// The deployed service passes the deposit first.
	out, err := c.call(ctx, c.backend, c.loanABI, c.cfg.Addresses.Loan, "calculateStrikePrice", depositNotional, loanNotional)
	if err != nil {
		return decimal.Zero, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("chain: calculateStrikePrice returned %T", out[0])
	}
	return decimal.NewFromBigInt(v, -priceDecimals).Truncate(0), nil
}

// SpotPrice reads the collateral asset's USD price from the price feed.
func (c *Client) SpotPrice(ctx context.Context) (decimal.Decimal, error) {
	out, err := c.call(ctx, c.prices, c.feedABI, c.cfg.Addresses.PriceFeed, "latestAnswer")
	if err != nil {
		return decimal.Zero, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("chain: latestAnswer returned %T", out[0])
	}
	if v.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("chain: non-positive price %s", v)
	}
	return decimal.NewFromBigInt(v, -priceDecimals).Round(2), nil
}

func (c *Client) call(ctx context.Context, b Backend, parsed abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := b.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: %s returned no values", method)
	}
	return out, nil
}

// SendAutoRepayment signs and submits executeAutoRepayment(lsa, owner, amount)
// from the executor account and returns the transaction hash.
func (c *Client) SendAutoRepayment(ctx context.Context, lsa, owner common.Address, amount *big.Int) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	to := c.cfg.Addresses.AutoRepayment
	data, err := c.repayABI.Pack("executeAutoRepayment", lsa, owner, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack executeAutoRepayment: %w", err)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.executor)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.executor, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send: %w", err)
	}
	c.logger.Info("auto-repayment submitted", "lsa", lsa.Hex(), "tx", signed.Hash().Hex(), "nonce", nonce)
	return signed.Hash(), nil
}

// ReceiptOf returns the receipt of a mined transaction, or ErrPending.
func (c *Client) ReceiptOf(ctx context.Context, hash common.Hash) (*Receipt, error) {
	r, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrPending
		}
		return nil, fmt.Errorf("chain: receipt %s: %w", hash.Hex(), err)
	}
	if r == nil {
		return nil, ErrPending
	}
	var block uint64
	if r.BlockNumber != nil {
		block = r.BlockNumber.Uint64()
	}
	return &Receipt{TxHash: hash, Status: r.Status, BlockNumber: block}, nil
}

// WaitForReceipt polls until the transaction is mined or ctx ends. Callers
// bound the wait with a context deadline.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(c.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		r, err := c.ReceiptOf(ctx, hash)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrPending) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// BlockTime returns the timestamp of a block.
func (c *Client) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	h, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("chain: header %d: %w", number, err)
	}
	if h == nil {
		return time.Time{}, fmt.Errorf("chain: header %d missing", number)
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}

// Transaction returns the destination and receipt summary of a mined transaction.
func (c *Client) Transaction(ctx context.Context, hash common.Hash) (*TxInfo, error) {
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("chain: tx %s: %w", hash.Hex(), err)
	}
	r, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("chain: receipt %s: %w", hash.Hex(), err)
	}
	info := &TxInfo{Hash: hash, To: tx.To(), Status: r.Status, GasUsed: r.GasUsed, Logs: r.Logs}
	if r.BlockNumber != nil {
		info.BlockNumber = r.BlockNumber.Uint64()
	}
	return info, nil
}
