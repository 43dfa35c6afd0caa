package sync

import (
	"context"
	"time"

	"github.com/mfigueira/whisper/internal/bus"
	"github.com/mfigueira/whisper/internal/store"
	"github.com/mfigueira/whisper/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Transmitter re-sends one outbox entry. Implemented by the send
// coordinator; synchronous so replay preserves per-conversation FIFO order.
type Transmitter interface {
	Transmit(ctx context.Context, entry *store.PendingSend) error
}

// Orchestrator reacts to connectivity and visibility edges: it replays the
// outbox and bulk-merges the latest server window. Triggers are
// edge-detected bus events, with a low-frequency liveness poll as a safety
// net against missed signals.
type Orchestrator struct {
	db          *store.DB
	client      transport.Client
	reconciler  *Reconciler
	transmitter Transmitter
	bus         *bus.Bus
	logger      *zap.Logger

	retryCeiling int
	pageSize     int
	livenessPoll time.Duration

	cancel context.CancelFunc
	kick   chan struct{}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(db *store.DB, client transport.Client, r *Reconciler, tx Transmitter,
	b *bus.Bus, retryCeiling, pageSize int, livenessPoll time.Duration, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		db:           db,
		client:       client,
		reconciler:   r,
		transmitter:  tx,
		bus:          b,
		logger:       logger,
		retryCeiling: retryCeiling,
		pageSize:     pageSize,
		livenessPoll: livenessPoll,
		kick:         make(chan struct{}, 1),
	}
}

// Start subscribes to connectivity/visibility edges.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	netCh, unsubNet := o.bus.Subscribe("net.online", 16)
	appCh, unsubApp := o.bus.Subscribe("app.foreground", 16)

	go func() {
		defer unsubNet()
		defer unsubApp()
		ticker := time.NewTicker(o.livenessPoll)
		defer ticker.Stop()
		for {
			select {
			case <-netCh:
				o.runSync(ctx)
			case <-appCh:
				o.runSync(ctx)
			case <-o.kick:
				o.runSync(ctx)
			case <-ticker.C:
				// Safety net: edges can be missed while suspended. Ping
				// first so a silently dead socket is reported before the
				// pass runs against it.
				o.checkLiveness(ctx)
				o.runSync(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the orchestrator.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

// Kick requests a sync pass without waiting for an edge.
func (o *Orchestrator) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// checkLiveness pings the transport when it supports it. A failed ping is
// logged only; the read loop owns the reconnect.
func (o *Orchestrator) checkLiveness(ctx context.Context) {
	p, ok := o.client.(interface{ Ping(context.Context) error })
	if !ok {
		return
	}
	if err := p.Ping(ctx); err != nil {
		o.logger.Warn("liveness ping failed", zap.Error(err))
	}
}

func (o *Orchestrator) runSync(ctx context.Context) {
	o.replayOutbox(ctx)
	o.backfill(ctx)
}

// replayOutbox re-sends unacknowledged work: strict FIFO within a
// conversation, parallel across conversations.
func (o *Orchestrator) replayOutbox(ctx context.Context) {
	convs, err := o.db.PendingConversations()
	if err != nil {
		o.logger.Error("failed to list pending conversations", zap.Error(err))
		return
	}
	if len(convs) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, conversationID := range convs {
		conversationID := conversationID
		g.Go(func() error {
			entries, err := o.db.Pending(conversationID)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if entry.RetryCount >= o.retryCeiling {
					// Permanently failed: surfaced for explicit user
					// retry or discard, never replayed automatically.
					continue
				}
				if err := o.transmitter.Transmit(ctx, entry); err != nil {
					// Stop this conversation's replay: sending the next
					// entry before this one would break send order.
					o.logger.Warn("replay halted",
						zap.String("conversation_id", conversationID),
						zap.String("client_id", entry.ClientID),
						zap.Error(err))
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Error("outbox replay failed", zap.Error(err))
	}

	o.bus.Publish(bus.Event{Kind: "sync.replayed", Timestamp: time.Now()})
}

// backfill merges the latest server window for every known conversation.
// The reconciler's bulk path never clobbers in-flight optimistic entries.
func (o *Orchestrator) backfill(ctx context.Context) {
	convs, err := o.db.Conversations()
	if err != nil {
		o.logger.Error("failed to list conversations", zap.Error(err))
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, conversationID := range convs {
		conversationID := conversationID
		g.Go(func() error {
			events, err := o.client.Backfill(ctx, conversationID, o.pageSize)
			if err != nil {
				o.logger.Warn("backfill failed",
					zap.String("conversation_id", conversationID), zap.Error(err))
				return nil
			}
			return o.reconciler.BulkMerge(ctx, conversationID, events)
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Error("bulk merge failed", zap.Error(err))
	}
}
