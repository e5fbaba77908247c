// Package processor drives a normalized lifecycle event through the plan
// state machine and persists the result. It owns the idempotency contract:
// every consumed event ends as exactly one ledger row, and the plan mutation
// and its ledger row commit in the same transaction.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"planguard/internal/db"
	"planguard/internal/external"
	"planguard/internal/plan"
	"planguard/internal/types"
)

// PlanStore is the subset of the plan repository the processor needs.
type PlanStore interface {
	GetOrCreate(ctx context.Context, userID string, now time.Time) (*types.PlanRecord, error)
	Save(ctx context.Context, rec *types.PlanRecord, eventTimestamp time.Time) (bool, error)
}

// LedgerStore is the subset of the idempotency ledger the processor needs.
type LedgerStore interface {
	Exists(ctx context.Context, provider types.Provider, externalID string) (bool, error)
	Record(ctx context.Context, rec *types.IdempotencyRecord, rawPayload []byte) (bool, error)
}

// Stores bundles the persistence surface. RunInTx hands the callback
// transaction-bound store views so a plan save and its ledger row commit or
// roll back together.
type Stores interface {
	Plans() PlanStore
	Ledger() LedgerStore
	RunInTx(ctx context.Context, fn func(ctx context.Context, plans PlanStore, ledger LedgerStore) error) error
}

// PgStores implements Stores on the pgx-backed repositories.
type PgStores struct {
	PlanRepo   *db.PlanRepo
	LedgerRepo *db.LedgerRepo
	Tx         *db.TxRunner
}

// Plans returns the pool-bound plan repository.
func (s *PgStores) Plans() PlanStore { return s.PlanRepo }

// Ledger returns the pool-bound ledger repository.
func (s *PgStores) Ledger() LedgerStore { return s.LedgerRepo }

// RunInTx runs fn with repositories bound to a single transaction.
func (s *PgStores) RunInTx(ctx context.Context, fn func(ctx context.Context, plans PlanStore, ledger LedgerStore) error) error {
	return s.Tx.RunInTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		return fn(ctx, s.PlanRepo.WithTx(tx), s.LedgerRepo.WithTx(tx))
	})
}

// OutcomeRecorder receives the terminal outcome of each processed event, for
// metrics emission. Implementations must not fail the pipeline.
type OutcomeRecorder interface {
	RecordEventOutcome(ctx context.Context, provider types.Provider, outcome string)
}

// Processor consumes event messages and applies them to plan records.
type Processor struct {
	stores   Stores
	machine  *plan.Machine
	identity external.IdentityResolver
	mailer   external.WelcomeMailer
	metrics  OutcomeRecorder
	clock    types.Clock
	logger   *slog.Logger
}

// Config wires a Processor. Identity, Mailer, and Metrics are optional;
// missing identity resolution turns email-only events into unresolved_user.
type Config struct {
	Stores   Stores
	Machine  *plan.Machine
	Identity external.IdentityResolver
	Mailer   external.WelcomeMailer
	Metrics  OutcomeRecorder
	Clock    types.Clock
	Logger   *slog.Logger
}

// New creates a Processor.
func New(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Processor{
		stores:   cfg.Stores,
		machine:  cfg.Machine,
		identity: cfg.Identity,
		mailer:   cfg.Mailer,
		metrics:  cfg.Metrics,
		clock:    clock,
		logger:   logger,
	}
}

// Process applies one event message end to end and returns the ledger
// outcome. A non-nil error means the message should be retried when
// types.Retryable reports true; terminal failures (unresolved user, unmapped
// plan ref) are acknowledged here by writing their ledger row and returning
// a nil error.
func (p *Processor) Process(ctx context.Context, msg types.EventMessage) (string, error) {
	ev := &msg.Event
	now := p.clock.Now()
	logger := p.logger.With(
		slog.String("provider", string(ev.Provider)),
		slog.String("external_id", ev.ExternalID),
		slog.String("kind", string(ev.Kind)),
	)

	if ev.ExternalID == "" {
		logger.WarnContext(ctx, "dropping event without external id", slog.String("raw_type", ev.RawType))
		return types.OutcomeIgnored, nil
	}

	// Fast duplicate check outside the transaction. The ledger's unique key
	// still backstops any race between concurrent deliveries.
	seen, err := p.stores.Ledger().Exists(ctx, ev.Provider, ev.ExternalID)
	if err != nil {
		return "", err
	}
	if seen {
		logger.InfoContext(ctx, "duplicate event, already ledgered")
		p.recordOutcome(ctx, ev.Provider, types.OutcomeDuplicate)
		return types.OutcomeDuplicate, nil
	}

	if !ev.Actionable() {
		return p.finishTerminal(ctx, logger, msg, "", types.OutcomeIgnored)
	}

	userID, err := p.resolveUser(ctx, ev)
	if err != nil {
		if types.Retryable(err) {
			return "", err
		}
		logger.WarnContext(ctx, "could not resolve user for event",
			slog.String("buyer_email", ev.BuyerEmail), slog.Any("error", err))
		return p.finishTerminal(ctx, logger, msg, "", types.OutcomeUnresolvedUser)
	}

	rec, err := p.stores.Plans().GetOrCreate(ctx, userID, now)
	if err != nil {
		return "", err
	}

	result, err := p.machine.Apply(rec, ev, now)
	if err != nil {
		if types.Retryable(err) {
			return "", err
		}
		outcome := terminalOutcome(err)
		logger.WarnContext(ctx, "event rejected by state machine",
			slog.String("outcome", outcome), slog.Any("error", err))
		return p.finishTerminal(ctx, logger, msg, userID, outcome)
	}

	outcome := result.Outcome
	if result.Changed {
		err = p.stores.RunInTx(ctx, func(ctx context.Context, plans PlanStore, ledger LedgerStore) error {
			applied, err := plans.Save(ctx, result.Record, ev.OccurredAt)
			if err != nil {
				return err
			}
			if !applied {
				// A newer event already advanced the record; the replay is
				// ledgered as ignored so it never reprocesses.
				outcome = types.OutcomeIgnored
			}
			_, err = ledger.Record(ctx, p.ledgerRow(msg, userID, outcome), msg.RawPayload)
			return err
		})
		if err != nil {
			// Nothing committed, so the delivery stays unledgered and the
			// provider or queue retry will run the full pipeline again.
			return "", err
		}
	} else {
		if _, err := p.stores.Ledger().Record(ctx, p.ledgerRow(msg, userID, outcome), msg.RawPayload); err != nil {
			return "", err
		}
	}

	logger.InfoContext(ctx, "event processed",
		slog.String("user_id", userID),
		slog.String("outcome", outcome),
		slog.String("tier", string(result.Record.EffectiveTier(now))))

	if outcome == types.OutcomeApplied {
		p.runEffects(ctx, logger, result.Effects)
	}
	p.recordOutcome(ctx, ev.Provider, outcome)
	return outcome, nil
}

// resolveUser maps the event to an internal user ID: the provider-side
// reference when present, otherwise an identity lookup by buyer email.
func (p *Processor) resolveUser(ctx context.Context, ev *types.LifecycleEvent) (string, error) {
	if ev.UserRef != "" {
		return ev.UserRef, nil
	}
	if ev.BuyerEmail == "" || p.identity == nil {
		return "", types.NewAppError(types.ErrCodeProcessUnresolvedUser,
			"event carries no user reference or buyer email", nil)
	}
	userID, err := p.identity.ResolveByEmail(ctx, ev.BuyerEmail)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundUser {
			return "", types.NewAppError(types.ErrCodeProcessUnresolvedUser,
				"no account matches the buyer email", err)
		}
		return "", err
	}
	return userID, nil
}

// finishTerminal ledgers a non-applied outcome so replays of the same
// delivery short-circuit as duplicates.
func (p *Processor) finishTerminal(ctx context.Context, logger *slog.Logger, msg types.EventMessage, userID, outcome string) (string, error) {
	if _, err := p.stores.Ledger().Record(ctx, p.ledgerRow(msg, userID, outcome), msg.RawPayload); err != nil {
		return "", err
	}
	logger.InfoContext(ctx, "event ledgered without plan change", slog.String("outcome", outcome))
	p.recordOutcome(ctx, msg.Event.Provider, outcome)
	return outcome, nil
}

func (p *Processor) ledgerRow(msg types.EventMessage, userID, outcome string) *types.IdempotencyRecord {
	return &types.IdempotencyRecord{
		Provider:    msg.Event.Provider,
		ExternalID:  msg.Event.ExternalID,
		UserID:      userID,
		BuyerEmail:  msg.Event.BuyerEmail,
		Outcome:     outcome,
		ProcessedAt: p.clock.Now(),
	}
}

// runEffects executes post-commit side effects. Failures are logged and
// dropped: the plan change is already durable and a retry would double-apply
// the event.
func (p *Processor) runEffects(ctx context.Context, logger *slog.Logger, effects []plan.Effect) {
	for _, effect := range effects {
		switch effect.Kind {
		case plan.EffectWelcomeEmail:
			if p.mailer == nil || effect.Email == "" {
				continue
			}
			msgID, err := p.mailer.SendWelcome(ctx, effect.Email, effect.Tier)
			if err != nil {
				logger.WarnContext(ctx, "welcome email failed",
					slog.String("user_id", effect.UserID), slog.Any("error", err))
				continue
			}
			logger.InfoContext(ctx, "welcome email sent",
				slog.String("user_id", effect.UserID), slog.String("message_id", msgID))
		}
	}
}

func (p *Processor) recordOutcome(ctx context.Context, provider types.Provider, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordEventOutcome(ctx, provider, outcome)
	}
}

// terminalOutcome maps a non-retryable processing error to its ledger
// outcome.
func terminalOutcome(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeProcessUnmappedPlan:
			return types.OutcomeUnmappedPlan
		case types.ErrCodeProcessUnresolvedUser:
			return types.OutcomeUnresolvedUser
		}
	}
	return types.OutcomeIgnored
}
