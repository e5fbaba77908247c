package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"planguard/internal/types"
)

// LedgerRepo manages the idempotency_records table. A row's existence is the
// dedupe signal: every provider notification is recorded exactly once, keyed
// by (provider, external_id), and rows are never updated or purged.
//
// The raw provider payload is archived zstd-compressed alongside the outcome
// so operators can reconstruct any processing decision.
type LedgerRepo struct {
	db     DBTX
	logger *slog.Logger

	// encoderPool and decoderPool provide reusable zstd codecs to avoid
	// repeated allocations on the webhook hot path.
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewLedgerRepo creates a new LedgerRepo backed by the given database
// connection (pool or transaction).
func NewLedgerRepo(db DBTX, logger *slog.Logger) *LedgerRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerRepo{
		db:     db,
		logger: logger,
		encoderPool: sync.Pool{
			New: func() any {
				e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
				if err != nil {
					// This should never fail with nil output and default options.
					panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
				}
				return e
			},
		},
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}
}

// WithTx returns a copy of the repo bound to the given transaction. The codec
// pools are shared with the parent.
func (r *LedgerRepo) WithTx(tx DBTX) *LedgerRepo {
	return &LedgerRepo{
		db:          tx,
		logger:      r.logger,
		encoderPool: sync.Pool{New: r.encoderPool.New},
		decoderPool: sync.Pool{New: r.decoderPool.New},
	}
}

// compressPayload zstd-compresses a raw notification body using pooled encoders.
func (r *LedgerRepo) compressPayload(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	enc := r.encoderPool.Get().(*zstd.Encoder)
	defer r.encoderPool.Put(enc)
	return enc.EncodeAll(payload, nil)
}

// decompressPayload reverses compressPayload using pooled decoders.
func (r *LedgerRepo) decompressPayload(archive []byte) ([]byte, error) {
	if len(archive) == 0 {
		return nil, nil
	}
	dec := r.decoderPool.Get().(*zstd.Decoder)
	defer r.decoderPool.Put(dec)
	out, err := dec.DecodeAll(archive, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: zstd decompression failed: %w", err)
	}
	return out, nil
}

// Record inserts a ledger row for a processed notification, compressing the
// raw payload before storage. Returns inserted=false when a row for the same
// (provider, external_id) already exists, which is the duplicate signal.
func (r *LedgerRepo) Record(ctx context.Context, rec *types.IdempotencyRecord, rawPayload []byte) (inserted bool, err error) {
	archive := r.compressPayload(rawPayload)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO idempotency_records
		     (provider, external_id, user_id, buyer_email, outcome, payload_archive, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (provider, external_id) DO NOTHING`,
		rec.Provider,
		rec.ExternalID,
		nullable(rec.UserID),
		nullable(rec.BuyerEmail),
		rec.Outcome,
		archive,
		rec.ProcessedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record ledger entry", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "duplicate notification suppressed by ledger",
			slog.String("provider", string(rec.Provider)),
			slog.String("external_id", rec.ExternalID),
		)
		return false, nil
	}

	return true, nil
}

// Exists reports whether a notification has already been recorded.
func (r *LedgerRepo) Exists(ctx context.Context, provider types.Provider, externalID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM idempotency_records
		     WHERE provider = $1 AND external_id = $2
		 )`,
		provider,
		externalID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check ledger", err)
	}
	return exists, nil
}

// ledgerColumns defines the standard column set for ledger queries.
const ledgerColumns = `provider, external_id, COALESCE(user_id, ''), COALESCE(buyer_email, ''), outcome, payload_archive, processed_at`

// scanLedger scans a single ledger row.
func scanLedger(row pgx.Row) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	err := row.Scan(
		&rec.Provider,
		&rec.ExternalID,
		&rec.UserID,
		&rec.BuyerEmail,
		&rec.Outcome,
		&rec.PayloadArchive,
		&rec.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get retrieves a ledger entry with its payload decompressed.
// Returns ErrCodeNotFoundPurchase if no entry exists.
func (r *LedgerRepo) Get(ctx context.Context, provider types.Provider, externalID string) (*types.IdempotencyRecord, []byte, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+ledgerColumns+`
		 FROM idempotency_records
		 WHERE provider = $1 AND external_id = $2`,
		provider,
		externalID,
	)

	rec, err := scanLedger(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, types.NewAppError(types.ErrCodeNotFoundPurchase, "ledger entry not found", nil)
		}
		return nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve ledger entry", err)
	}

	payload, err := r.decompressPayload(rec.PayloadArchive)
	if err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decompress ledger payload", err)
	}

	return rec, payload, nil
}

// FindByBuyerEmail returns the most recent ledger entries recorded with the
// given buyer email, newest first. Used by the manual purchase verification
// fallback to locate purchases whose user could not be resolved at webhook
// time.
func (r *LedgerRepo) FindByBuyerEmail(ctx context.Context, email string, limit int) ([]*types.IdempotencyRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+ledgerColumns+`
		 FROM idempotency_records
		 WHERE buyer_email = $1
		 ORDER BY processed_at DESC
		 LIMIT $2`,
		email,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to search ledger by buyer email", err)
	}
	defer rows.Close()

	var records []*types.IdempotencyRecord
	for rows.Next() {
		rec, err := scanLedger(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger entry", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate ledger entries", err)
	}

	return records, nil
}

// nullable converts an empty string to a nil SQL parameter so optional
// columns store NULL instead of ''.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
