package storage

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// GetWatermark returns the high-watermark row for a validator, or a zero
// Watermark (both fields nil) if none has been recorded yet.
func GetWatermark(ctx context.Context, tx *sqlx.Tx, validatorID uint64) (Watermark, error) {
	var wm Watermark
	err := tx.GetContext(ctx, &wm, `
		SELECT validator_id, highest_slot, highest_target_epoch FROM validator_watermarks
		WHERE validator_id = $1`, validatorID)
	if isNoRows(err) {
		return Watermark{ValidatorID: validatorID}, nil
	}
	if err != nil {
		return Watermark{}, errors.Wrap(err, "could not read watermark")
	}
	return wm, nil
}

// RaiseSlotWatermark records that slot is the highest slot ever observed
// for validatorID, if it exceeds (or there was no) prior watermark.
func RaiseSlotWatermark(ctx context.Context, tx *sqlx.Tx, validatorID, slot uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO validator_watermarks (validator_id, highest_slot)
		VALUES ($1, $2)
		ON CONFLICT (validator_id) DO UPDATE SET
			highest_slot = GREATEST(COALESCE(validator_watermarks.highest_slot, -1), EXCLUDED.highest_slot)`,
		validatorID, slot)
	if err != nil {
		return errors.Wrap(err, "could not raise slot watermark")
	}
	return nil
}

// RaiseTargetEpochWatermark records that targetEpoch is the highest target
// epoch ever observed for validatorID, if it exceeds (or there was no)
// prior watermark.
func RaiseTargetEpochWatermark(ctx context.Context, tx *sqlx.Tx, validatorID, targetEpoch uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO validator_watermarks (validator_id, highest_target_epoch)
		VALUES ($1, $2)
		ON CONFLICT (validator_id) DO UPDATE SET
			highest_target_epoch = GREATEST(COALESCE(validator_watermarks.highest_target_epoch, -1), EXCLUDED.highest_target_epoch)`,
		validatorID, targetEpoch)
	if err != nil {
		return errors.Wrap(err, "could not raise target epoch watermark")
	}
	return nil
}
