package market

import (
	"context"

	"github.com/Mindburn-Labs/settld/pkg/wal"
)

// walCursors persists per-tenant outbox cursors through the command log's
// counter stream, so a restart resumes dispatch from the last successfully
// delivered prefix. Replay max-merges counters; a crash between dispatch
// and advance re-dispatches, which at-least-once delivery permits.
type walCursors struct {
	log *wal.Log
}

func newWALCursors(log *wal.Log) *walCursors {
	return &walCursors{log: log}
}

func cursorName(tenant string) string { return tenant + "/outbox_cursor" }

func (c *walCursors) Cursor(tenant string) uint64 {
	return c.log.Counter(cursorName(tenant))
}

func (c *walCursors) Advance(ctx context.Context, tenant string, to uint64) error {
	return c.log.SetCounter(ctx, cursorName(tenant), to)
}
