package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bitmor/loan-engine/internal/chain"
	"github.com/bitmor/loan-engine/internal/events"
	"github.com/bitmor/loan-engine/internal/metrics"
)

// Decoder converts raw logs into canonical events.
type Decoder interface {
	Decode(log types.Log) (events.Event, error)
}

// Handler applies one canonical event.
type Handler interface {
	Handle(ctx context.Context, ev events.Event) error
}

// ListenerConfig bounds the retries of transient failures within a batch.
type ListenerConfig struct {
	Retries int
	Backoff time.Duration
}

// Listener drains one subscription. Each batch is acknowledged once every
// log in it has been applied or permanently dropped, which advances the
// watermark. A transient failure that outlasts the retries, or shutdown
// mid-batch, leaves the batch unacknowledged so it is replayed.
type Listener struct {
	name    string
	batches <-chan chain.Batch
	done    func() error
	decoder Decoder
	handler Handler
	cfg     ListenerConfig
	logger  *slog.Logger
}

// NewListener creates a listener over sub.
func NewListener(name string, sub *chain.Subscription, dec Decoder, h Handler, cfg ListenerConfig, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Listener{
		name:    name,
		batches: sub.C,
		done:    sub.Err,
		decoder: dec,
		handler: h,
		cfg:     cfg,
		logger:  logger.With("listener", name),
	}
}

// Run processes batches until ctx is cancelled or the subscription ends.
func (l *Listener) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-l.batches:
			if !ok {
				return l.done()
			}
			handled := l.process(ctx, b)
			b.Ack(handled)
			if handled {
				metrics.CheckpointBlock.WithLabelValues(l.name).Set(float64(b.To))
			}
		}
	}
}

// process applies a batch in log order and reports whether it completed.
func (l *Listener) process(ctx context.Context, b chain.Batch) bool {
	l.logger.Debug("batch received", "from_block", b.From, "to_block", b.To, "logs", len(b.Logs))
	for _, raw := range b.Logs {
		if raw.Removed {
			continue
		}
		ev, err := l.decoder.Decode(raw)
		if err != nil {
			metrics.EventsDropped.WithLabelValues("unknown", "decode").Inc()
			l.logger.Error("dropping undecodable log",
				"tx", raw.TxHash.Hex(), "log_index", raw.Index, "block", raw.BlockNumber, "err", err)
			continue
		}
		if !l.apply(ctx, ev) {
			return false
		}
	}
	return true
}

// apply runs one event with bounded retries. It returns false when ctx ended
// or the failure is still transient after the last retry; the batch must then
// be redelivered.
func (l *Listener) apply(ctx context.Context, ev events.Event) bool {
	var err error
	for attempt := 0; attempt <= l.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(l.cfg.Backoff * time.Duration(attempt)):
			}
		}
		err = l.handler.Handle(ctx, ev)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if Permanent(err) {
			l.drop(ev, err, reason(err))
			return true
		}
		l.logger.Warn("event handling failed, retrying",
			"kind", ev.Kind, "lsa", ev.LSA.Hex(), "tx", ev.TxHash.Hex(), "attempt", attempt+1, "err", err)
	}
	l.logger.Error("event handling failed, batch will be redelivered",
		"kind", ev.Kind, "lsa", ev.LSA.Hex(), "tx", ev.TxHash.Hex(), "block", ev.BlockNumber, "err", err)
	return false
}

func (l *Listener) drop(ev events.Event, err error, why string) {
	metrics.EventsDropped.WithLabelValues(string(ev.Kind), why).Inc()
	attrs := []any{"kind", ev.Kind, "lsa", ev.LSA.Hex(), "tx", ev.TxHash.Hex(), "block", ev.BlockNumber, "err", err}
	if errors.Is(err, ErrUnknownLoan) {
		l.logger.Warn("dropping event", attrs...)
		return
	}
	l.logger.Error("dropping event", attrs...)
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownLoan):
		return "unknown_loan"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed"
	case errors.Is(err, ErrLoanNotOnChain):
		return "not_on_chain"
	case errors.Is(err, ErrLoanTerminal):
		return "terminal"
	}
	return "other"
}
