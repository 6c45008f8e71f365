package storage

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// FindExistingBlock returns the stored block for (validatorID, slot), or
// nil if none is stored.
func FindExistingBlock(ctx context.Context, tx *sqlx.Tx, validatorID, slot uint64) (*SignedBlock, error) {
	var block SignedBlock
	err := tx.GetContext(ctx, &block, `
		SELECT validator_id, slot, signing_root FROM signed_blocks
		WHERE validator_id = $1 AND slot = $2`, validatorID, slot)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not look up existing block")
	}
	return &block, nil
}

// InsertBlock inserts a new signed block row. It fails with a unique
// violation (see IsUniqueViolation) if (validator_id, slot) already exists
// -- callers are expected to have already checked FindExistingBlock inside
// the same transaction, so a violation here indicates a concurrent writer
// won the race.
func InsertBlock(ctx context.Context, tx *sqlx.Tx, block SignedBlock) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO signed_blocks (validator_id, slot, signing_root)
		VALUES ($1, $2, $3)`, block.ValidatorID, block.Slot, block.SigningRoot)
	if err != nil {
		return errors.Wrap(err, "could not insert signed block")
	}
	return nil
}

// ListBlocksForValidator returns every signed block for a validator,
// ordered by ascending slot, for use by the interchange exporter.
func ListBlocksForValidator(ctx context.Context, q sqlx.QueryerContext, validatorID uint64) ([]SignedBlock, error) {
	var blocks []SignedBlock
	err := sqlx.SelectContext(ctx, q, &blocks, `
		SELECT validator_id, slot, signing_root FROM signed_blocks
		WHERE validator_id = $1 ORDER BY slot ASC`, validatorID)
	if err != nil {
		return nil, errors.Wrap(err, "could not list signed blocks")
	}
	return blocks, nil
}
