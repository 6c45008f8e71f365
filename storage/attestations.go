package storage

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// FindExistingAttestation returns the stored attestation for
// (validatorID, targetEpoch), or nil if none is stored.
func FindExistingAttestation(ctx context.Context, tx *sqlx.Tx, validatorID, targetEpoch uint64) (*SignedAttestation, error) {
	var att SignedAttestation
	err := tx.GetContext(ctx, &att, `
		SELECT validator_id, source_epoch, target_epoch, signing_root FROM signed_attestations
		WHERE validator_id = $1 AND target_epoch = $2`, validatorID, targetEpoch)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not look up existing attestation")
	}
	return &att, nil
}

// FindSurroundingAttestation returns a stored attestation that surrounds
// the candidate (source, target): stored.source < source && target < stored.target.
func FindSurroundingAttestation(ctx context.Context, tx *sqlx.Tx, validatorID, source, target uint64) (*SignedAttestation, error) {
	var att SignedAttestation
	err := tx.GetContext(ctx, &att, `
		SELECT validator_id, source_epoch, target_epoch, signing_root FROM signed_attestations
		WHERE validator_id = $1 AND source_epoch < $2 AND target_epoch > $3
		LIMIT 1`, validatorID, source, target)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not look up surrounding attestation")
	}
	return &att, nil
}

// FindSurroundedAttestation returns a stored attestation that is surrounded
// by the candidate (source, target): source < stored.source && stored.target < target.
func FindSurroundedAttestation(ctx context.Context, tx *sqlx.Tx, validatorID, source, target uint64) (*SignedAttestation, error) {
	var att SignedAttestation
	err := tx.GetContext(ctx, &att, `
		SELECT validator_id, source_epoch, target_epoch, signing_root FROM signed_attestations
		WHERE validator_id = $1 AND source_epoch > $2 AND target_epoch < $3
		LIMIT 1`, validatorID, source, target)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not look up surrounded attestation")
	}
	return &att, nil
}

// InsertAttestation inserts a new signed attestation row. It fails with a
// unique violation if (validator_id, target_epoch) already exists.
func InsertAttestation(ctx context.Context, tx *sqlx.Tx, att SignedAttestation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO signed_attestations (validator_id, source_epoch, target_epoch, signing_root)
		VALUES ($1, $2, $3, $4)`, att.ValidatorID, att.SourceEpoch, att.TargetEpoch, att.SigningRoot)
	if err != nil {
		return errors.Wrap(err, "could not insert signed attestation")
	}
	return nil
}

// ListAttestationsForValidator returns every signed attestation for a
// validator, ordered by (target_epoch, source_epoch), for use by the
// interchange exporter.
func ListAttestationsForValidator(ctx context.Context, q sqlx.QueryerContext, validatorID uint64) ([]SignedAttestation, error) {
	var atts []SignedAttestation
	err := sqlx.SelectContext(ctx, q, &atts, `
		SELECT validator_id, source_epoch, target_epoch, signing_root FROM signed_attestations
		WHERE validator_id = $1 ORDER BY target_epoch ASC, source_epoch ASC`, validatorID)
	if err != nil {
		return nil, errors.Wrap(err, "could not list signed attestations")
	}
	return atts, nil
}
