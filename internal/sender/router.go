package sender

import (
	"context"
	"fmt"
	"log/slog"

	"followup-engine/internal/channel"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/metrics"
)

// Router delivers each message through the sender registered for its channel.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	senders map[channel.Channel]dispatch.Sender
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger, m *metrics.Metrics) *Router {
	return &Router{
		logger:  logger.With("component", "sender"),
		metrics: m,
		senders: make(map[channel.Channel]dispatch.Sender),
	}
}

// Register binds s to ch, replacing any earlier binding.
func (r *Router) Register(ch channel.Channel, s dispatch.Sender) {
	r.senders[ch] = s
	r.logger.Info("channel sender registered", "channel", ch)
}

// Channels lists the channels that have a sender.
func (r *Router) Channels() []channel.Channel {
	out := make([]channel.Channel, 0, len(r.senders))
	for _, ch := range channel.All {
		if _, ok := r.senders[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Send satisfies dispatch.Sender.
func (r *Router) Send(ctx context.Context, msg dispatch.Message) (dispatch.Receipt, error) {
	s, ok := r.senders[msg.Channel]
	if !ok {
		if r.metrics != nil {
			r.metrics.Errors.WithLabelValues("sender").Inc()
		}
		return dispatch.Receipt{}, dispatch.Permanent(fmt.Errorf("no sender for channel %q", msg.Channel))
	}
	receipt, err := s.Send(ctx, msg)
	if err != nil {
		r.logger.Debug("send failed", "channel", msg.Channel, "idempotency_key", msg.IdempotencyKey, "error", err)
		return receipt, err
	}
	return receipt, nil
}

var _ dispatch.Sender = (*Router)(nil)
