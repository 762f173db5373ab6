package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

// Checkpoints persists the last fully handled block per subscription.
type Checkpoints interface {
	LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error)
	SaveCheckpoint(ctx context.Context, name string, block uint64) error
}

// Filter selects the logs a subscription delivers. Addresses may span several
// contracts; one subscription orders their logs against each other.
type Filter struct {
	Name      string // checkpoint key
	Addresses []common.Address
	Topics    [][]common.Hash
}

// PollConfig tunes the log poller.
type PollConfig struct {
	StartBlock    uint64 // first block when no checkpoint exists; 0 means head
	Confirmations uint64 // blocks behind head treated as final
	MaxBlocks     uint64 // max block span per FilterLogs call
	Interval      time.Duration
	RatePerSec    float64 // RPC calls per second, 0 disables limiting
}

// Batch is a block range of logs in (block, log index) order. The receiver
// must call Ack exactly once. Ack(true) advances the watermark past To;
// Ack(false) leaves it so the range is delivered again.
type Batch struct {
	Name string
	From uint64
	To   uint64
	Logs []types.Log
	ack  chan bool
}

// Ack reports whether the batch was handled.
func (b Batch) Ack(ok bool) {
	select {
	case b.ack <- ok:
	default:
	}
}

// Subscription is a cancellable stream of log batches.
type Subscription struct {
	C      <-chan Batch
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Unsubscribe stops the poller and waits for it to exit.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

// Done is closed when the poller exits.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the poller, if any. Valid after Done.
func (s *Subscription) Err() error {
	return s.err
}

// Subscribe starts a block-range log poller for f. Delivery resumes at the
// block after the stored checkpoint, so logs missed while the process was
// down are replayed on restart.
func (c *Client) Subscribe(ctx context.Context, f Filter, cp Checkpoints, cfg PollConfig) (*Subscription, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("chain: subscription name required")
	}
	if cfg.MaxBlocks == 0 {
		cfg.MaxBlocks = 2000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}

	next, err := c.startBlock(ctx, f.Name, cp, cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Batch)
	sub := &Subscription{C: out, cancel: cancel, done: make(chan struct{})}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	p := &poller{
		backend: c.backend,
		filter:  f,
		cp:      cp,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		out:     out,
		logger:  c.logger.With("subscription", f.Name),
	}

	go func() {
		defer close(sub.done)
		defer close(out)
		sub.err = p.run(ctx, next)
	}()
	c.logger.Info("subscription started", "subscription", f.Name, "from_block", next)
	return sub, nil
}

func (c *Client) startBlock(ctx context.Context, name string, cp Checkpoints, cfg PollConfig) (uint64, error) {
	if cp != nil {
		block, ok, err := cp.LoadCheckpoint(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("chain: load checkpoint %s: %w", name, err)
		}
		if ok {
			return block + 1, nil
		}
	}
	if cfg.StartBlock > 0 {
		return cfg.StartBlock, nil
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: head block: %w", err)
	}
	if head < cfg.Confirmations {
		return 0, nil
	}
	return head - cfg.Confirmations, nil
}

type poller struct {
	backend Backend
	filter  Filter
	cp      Checkpoints
	cfg     PollConfig
	limiter *rate.Limiter
	out     chan<- Batch
	logger  *slog.Logger
	next    uint64
}

func (p *poller) run(ctx context.Context, next uint64) error {
	p.next = next
	for {
		advanced, err := p.step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			p.logger.Error("log poll failed", "from_block", p.next, "err", err)
		}
		if advanced {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.Interval):
		}
	}
}

// step handles one block range. It reports whether the watermark moved, in
// which case the caller polls again without waiting.
func (p *poller) step(ctx context.Context) (bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return false, err
	}
	head, err := p.backend.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("head block: %w", err)
	}
	if head < p.cfg.Confirmations {
		return false, nil
	}
	safe := head - p.cfg.Confirmations
	from := p.next
	if from > safe {
		return false, nil
	}
	to := from + p.cfg.MaxBlocks - 1
	if to > safe {
		to = safe
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return false, err
	}
	logs, err := p.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: p.filter.Addresses,
		Topics:    p.filter.Topics,
	})
	if err != nil {
		return false, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}

	if len(logs) > 0 {
		sortLogs(logs)
		batch := Batch{Name: p.filter.Name, From: from, To: to, Logs: logs, ack: make(chan bool, 1)}
		select {
		case p.out <- batch:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		var ok bool
		select {
		case ok = <-batch.ack:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		if !ok {
			p.logger.Warn("batch not acknowledged, will redeliver", "from_block", from, "to_block", to)
			return false, nil
		}
	}

	if p.cp != nil {
		if err := p.cp.SaveCheckpoint(ctx, p.filter.Name, to); err != nil {
			return false, fmt.Errorf("save checkpoint %d: %w", to, err)
		}
	}
	p.next = to + 1
	return true, nil
}

// sortLogs puts logs in chain order. Nodes return them that way; the sort
// makes it a guarantee for multi-address filters.
func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}
