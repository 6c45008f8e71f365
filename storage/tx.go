package storage

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Tx is the set of primitive, transaction-scoped operations the decision
// engine and the interchange codec are built on. It exists as an interface,
// rather than exposing *sqlx.Tx directly, so the engine and codec packages
// can be exercised against an in-memory fake without a live Postgres
// instance.
type Tx interface {
	RegisterValidators(ctx context.Context, keys [][]byte) (map[string]uint64, error)
	LookupValidators(ctx context.Context, keys [][]byte) (map[string]uint64, error)

	FindExistingBlock(ctx context.Context, validatorID, slot uint64) (*SignedBlock, error)
	InsertBlock(ctx context.Context, block SignedBlock) error
	ListBlocksForValidator(ctx context.Context, validatorID uint64) ([]SignedBlock, error)

	FindExistingAttestation(ctx context.Context, validatorID, targetEpoch uint64) (*SignedAttestation, error)
	FindSurroundingAttestation(ctx context.Context, validatorID, source, target uint64) (*SignedAttestation, error)
	FindSurroundedAttestation(ctx context.Context, validatorID, source, target uint64) (*SignedAttestation, error)
	InsertAttestation(ctx context.Context, att SignedAttestation) error
	ListAttestationsForValidator(ctx context.Context, validatorID uint64) ([]SignedAttestation, error)

	GetGenesisValidatorsRoot(ctx context.Context) ([]byte, error)
	SetGenesisValidatorsRoot(ctx context.Context, root []byte) error

	GetWatermark(ctx context.Context, validatorID uint64) (Watermark, error)
	RaiseSlotWatermark(ctx context.Context, validatorID, slot uint64) error
	RaiseTargetEpochWatermark(ctx context.Context, validatorID, targetEpoch uint64) error

	LoadAllValidators(ctx context.Context) ([]Validator, error)
}

// sqlTx adapts the package's *sqlx.Tx-scoped free functions to the Tx
// interface.
type sqlTx struct {
	tx *sqlx.Tx
}

func (s *sqlTx) RegisterValidators(ctx context.Context, keys [][]byte) (map[string]uint64, error) {
	return RegisterValidators(ctx, s.tx, keys)
}

func (s *sqlTx) LookupValidators(ctx context.Context, keys [][]byte) (map[string]uint64, error) {
	return LookupValidators(ctx, s.tx, keys)
}

func (s *sqlTx) FindExistingBlock(ctx context.Context, validatorID, slot uint64) (*SignedBlock, error) {
	return FindExistingBlock(ctx, s.tx, validatorID, slot)
}

func (s *sqlTx) InsertBlock(ctx context.Context, block SignedBlock) error {
	return InsertBlock(ctx, s.tx, block)
}

func (s *sqlTx) ListBlocksForValidator(ctx context.Context, validatorID uint64) ([]SignedBlock, error) {
	return ListBlocksForValidator(ctx, s.tx, validatorID)
}

func (s *sqlTx) FindExistingAttestation(ctx context.Context, validatorID, targetEpoch uint64) (*SignedAttestation, error) {
	return FindExistingAttestation(ctx, s.tx, validatorID, targetEpoch)
}

func (s *sqlTx) FindSurroundingAttestation(ctx context.Context, validatorID, source, target uint64) (*SignedAttestation, error) {
	return FindSurroundingAttestation(ctx, s.tx, validatorID, source, target)
}

func (s *sqlTx) FindSurroundedAttestation(ctx context.Context, validatorID, source, target uint64) (*SignedAttestation, error) {
	return FindSurroundedAttestation(ctx, s.tx, validatorID, source, target)
}

func (s *sqlTx) InsertAttestation(ctx context.Context, att SignedAttestation) error {
	return InsertAttestation(ctx, s.tx, att)
}

func (s *sqlTx) ListAttestationsForValidator(ctx context.Context, validatorID uint64) ([]SignedAttestation, error) {
	return ListAttestationsForValidator(ctx, s.tx, validatorID)
}

func (s *sqlTx) GetGenesisValidatorsRoot(ctx context.Context) ([]byte, error) {
	return GetGenesisValidatorsRoot(ctx, s.tx)
}

func (s *sqlTx) SetGenesisValidatorsRoot(ctx context.Context, root []byte) error {
	return SetGenesisValidatorsRoot(ctx, s.tx, root)
}

func (s *sqlTx) GetWatermark(ctx context.Context, validatorID uint64) (Watermark, error) {
	return GetWatermark(ctx, s.tx, validatorID)
}

func (s *sqlTx) RaiseSlotWatermark(ctx context.Context, validatorID, slot uint64) error {
	return RaiseSlotWatermark(ctx, s.tx, validatorID, slot)
}

func (s *sqlTx) RaiseTargetEpochWatermark(ctx context.Context, validatorID, targetEpoch uint64) error {
	return RaiseTargetEpochWatermark(ctx, s.tx, validatorID, targetEpoch)
}

func (s *sqlTx) LoadAllValidators(ctx context.Context) ([]Validator, error) {
	return LoadAllValidators(ctx, s.tx)
}
