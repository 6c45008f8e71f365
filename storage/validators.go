package storage

import (
	"context"
	"encoding/hex"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// RegisterValidators inserts any of the given public keys not already
// present and returns the full key->id mapping for the input set, keyed by
// lower-case hex public key. Already-registered keys keep their existing id.
func RegisterValidators(ctx context.Context, tx *sqlx.Tx, keys [][]byte) (map[string]uint64, error) {
	result := make(map[string]uint64, len(keys))
	for _, key := range keys {
		var id uint64
		err := tx.GetContext(ctx, &id, `SELECT id FROM validators WHERE public_key = $1`, key)
		switch {
		case err == nil:
			result[hex.EncodeToString(key)] = id
		case isNoRows(err):
			if err := tx.GetContext(ctx, &id, `
				INSERT INTO validators (public_key) VALUES ($1)
				ON CONFLICT (public_key) DO UPDATE SET public_key = EXCLUDED.public_key
				RETURNING id`, key); err != nil {
				return nil, errors.Wrapf(err, "could not register validator %x", key)
			}
			result[hex.EncodeToString(key)] = id
		default:
			return nil, errors.Wrapf(err, "could not look up validator %x", key)
		}
	}
	return result, nil
}

// LookupValidators returns the id mapping for whichever of the given keys
// are already registered; unknown keys are simply absent from the result.
func LookupValidators(ctx context.Context, tx *sqlx.Tx, keys [][]byte) (map[string]uint64, error) {
	result := make(map[string]uint64, len(keys))
	for _, key := range keys {
		var id uint64
		err := tx.GetContext(ctx, &id, `SELECT id FROM validators WHERE public_key = $1`, key)
		if isNoRows(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "could not look up validator %x", key)
		}
		result[hex.EncodeToString(key)] = id
	}
	return result, nil
}

// LoadAllValidators returns every registered validator ordered by ascending
// id, used to seed the in-memory registry at startup and to drive
// interchange export ordering.
func LoadAllValidators(ctx context.Context, q sqlx.QueryerContext) ([]Validator, error) {
	var validators []Validator
	if err := sqlx.SelectContext(ctx, q, &validators, `SELECT id, public_key FROM validators ORDER BY id ASC`); err != nil {
		return nil, errors.Wrap(err, "could not load validators")
	}
	return validators, nil
}
