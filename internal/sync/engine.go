package sync

import (
	"context"
	"time"

	"github.com/mfigueira/whisper/internal/transport"
	"go.uber.org/zap"
)

// Pump drains the transport's push channel into the reconciler. It is the
// only reader of the subscription, so push events for one conversation are
// handed to that conversation's single writer in arrival order.
type Pump struct {
	client     transport.Client
	reconciler *Reconciler
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewPump creates a pump.
func NewPump(client transport.Client, r *Reconciler, logger *zap.Logger) *Pump {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pump{
		client:     client,
		reconciler: r,
		logger:     logger,
	}
}

// Start subscribes to the push channel and begins processing. The
// subscription handle is released when the pump stops.
func (p *Pump) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	ch, unsub := p.client.Subscribe(256)

	go func() {
		defer unsub()
		sweep := time.NewTicker(10 * time.Second)
		defer sweep.Stop()
		for {
			select {
			case evt := <-ch:
				if err := p.reconciler.ApplyEvent(ctx, evt); err != nil {
					p.logger.Error("failed to apply push event",
						zap.Error(err),
						zap.String("kind", string(evt.Kind)),
						zap.String("conversation_id", evt.ConversationID))
				}
			case <-sweep.C:
				p.reconciler.SweepBuffers()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the pump.
func (p *Pump) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}
