package storage

import (
	"bytes"
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// ErrGenesisRootAlreadySet is returned by SetGenesisValidatorsRoot when the
// metadata row already holds a different root. The genesis root is set once
// per database and never overwritten.
var ErrGenesisRootAlreadySet = errors.New("genesis validators root is already set to a different value")

// GetGenesisValidatorsRoot returns the stored genesis validators root, or
// nil if it has not been set yet.
func GetGenesisValidatorsRoot(ctx context.Context, q sqlx.QueryerContext) ([]byte, error) {
	var root []byte
	err := sqlx.GetContext(ctx, q, &root, `SELECT genesis_validators_root FROM metadata LIMIT 1`)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read genesis validators root")
	}
	return root, nil
}

// SetGenesisValidatorsRoot sets the genesis validators root exactly once.
// Setting it again to the same value is a no-op; setting it to a different
// value fails with ErrGenesisRootAlreadySet.
func SetGenesisValidatorsRoot(ctx context.Context, tx *sqlx.Tx, root []byte) error {
	existing, err := GetGenesisValidatorsRoot(ctx, tx)
	if err != nil {
		return err
	}
	if existing != nil {
		if bytes.Equal(existing, root) {
			return nil
		}
		return ErrGenesisRootAlreadySet
	}

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT count(*) FROM metadata`); err != nil {
		return errors.Wrap(err, "could not check metadata row")
	}
	if count == 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO metadata (genesis_validators_root) VALUES ($1)`, root)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE metadata SET genesis_validators_root = $1`, root)
	}
	if err != nil {
		return errors.Wrap(err, "could not set genesis validators root")
	}
	return nil
}
