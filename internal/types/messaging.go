package types

import (
	"time"
)

// EventMessage is the SQS payload carrying a verified, normalized lifecycle
// event from the webhook endpoint to the processing worker. The raw provider
// body rides along so the worker can archive it in the idempotency ledger.
type EventMessage struct {
	TraceID    string         `json:"trace_id"`
	Event      LifecycleEvent `json:"event"`
	RawPayload []byte         `json:"raw_payload"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}
