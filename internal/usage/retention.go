package usage

import (
	"context"
	"time"
)

const (
	defaultDeleteBatchSize = 5000
	maxDeleteBatchesPerRun = 2000
)

// CleanupOldLogs deletes ledger rows older than retentionDays in bounded batches.
// A non-positive retention keeps everything.
func (t *Tracker) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := t.now().UTC().AddDate(0, 0, -retentionDays)

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if errCtx := ctx.Err(); errCtx != nil {
			return deletedTotal, errCtx
		}
		n, errDelete := t.deleteBatch(ctx, cutoff, defaultDeleteBatchSize)
		if errDelete != nil {
			return deletedTotal, errDelete
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}

	if deletedTotal > 0 {
		t.logger.Infof("usage: deleted %d ledger rows (cutoff=%s retention_days=%d)", deletedTotal, cutoff.Format(time.RFC3339), retentionDays)
	}
	return deletedTotal, nil
}

func (t *Tracker) deleteBatch(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	// A limited subquery keeps each delete short on large ledgers.
	res := t.db.WithContext(ctx).Exec(`
		DELETE FROM generation_logs
		WHERE id IN (
			SELECT id FROM generation_logs
			WHERE created_at < ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, cutoff, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
