package processor

import (
	"context"
	"log/slog"

	"planguard/internal/types"
)

// InlineDispatcher processes events synchronously inside the webhook request
// instead of enqueueing them. Used when no event queue is configured, at the
// cost of provider-side retries being the only redelivery mechanism.
type InlineDispatcher struct {
	Processor *Processor
	Logger    *slog.Logger
}

// Dispatch runs the event through the processor immediately. Terminal
// outcomes are already ledgered by the processor; only retryable failures
// propagate so the webhook handler can surface a 5xx and trigger a provider
// retry.
func (d *InlineDispatcher) Dispatch(ctx context.Context, msg types.EventMessage) error {
	outcome, err := d.Processor.Process(ctx, msg)
	if err != nil {
		return err
	}
	if d.Logger != nil {
		d.Logger.InfoContext(ctx, "event processed inline",
			slog.String("provider", string(msg.Event.Provider)),
			slog.String("external_id", msg.Event.ExternalID),
			slog.String("outcome", outcome))
	}
	return nil
}
