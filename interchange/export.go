package interchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/NicolasMassart/web3signer/storage"
)

// SnapshotStore is the subset of *storage.Store the exporter needs: a
// read-only, repeatable-read view of the journal. It is an interface,
// rather than the concrete type, so Export can be exercised against an
// in-memory fake without a live Postgres instance.
type SnapshotStore interface {
	Snapshot(ctx context.Context, fn func(tx storage.Tx) error) error
}

// Export streams the entire slashing-protection journal to w as an
// EIP-3076 v5 document. It reads inside a single repeatable-read snapshot
// so the exported file is internally consistent, and never materializes
// the full document: each validator's record is marshaled and written
// independently.
func Export(ctx context.Context, store SnapshotStore, w io.Writer) error {
	return store.Snapshot(ctx, func(tx storage.Tx) error {
		root, err := tx.GetGenesisValidatorsRoot(ctx)
		if err != nil {
			return err
		}
		if len(root) == 0 {
			return &Error{Kind: MissingGenesisRoot, Err: fmt.Errorf("genesis validators root has not been set")}
		}

		validators, err := tx.LoadAllValidators(ctx)
		if err != nil {
			return err
		}

		if _, err := io.WriteString(w, `{"metadata":`); err != nil {
			return err
		}
		metaBytes, err := json.Marshal(Metadata{
			InterchangeFormatVersion: formatVersion,
			GenesisValidatorsRoot:    rootToHexString(root),
		})
		if err != nil {
			return err
		}
		if _, err := w.Write(metaBytes); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `,"data":[`); err != nil {
			return err
		}

		for i, v := range validators {
			if err := ctx.Err(); err != nil {
				return err
			}
			record, err := exportValidatorRecord(ctx, tx, v)
			if err != nil {
				return err
			}
			recordBytes, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if i > 0 {
				if _, err := io.WriteString(w, ","); err != nil {
					return err
				}
			}
			if _, err := w.Write(recordBytes); err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, `]}`)
		return err
	})
}

func exportValidatorRecord(ctx context.Context, tx storage.Tx, v storage.Validator) (*ValidatorRecord, error) {
	blocks, err := tx.ListBlocksForValidator(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	blockRecords := make([]*SignedBlockRecord, len(blocks))
	for i, b := range blocks {
		blockRecords[i] = &SignedBlockRecord{
			Slot:        uint64ToString(b.Slot),
			SigningRoot: rootToHexString(b.SigningRoot),
		}
	}

	atts, err := tx.ListAttestationsForValidator(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	attRecords := make([]*SignedAttestationRecord, len(atts))
	for i, a := range atts {
		attRecords[i] = &SignedAttestationRecord{
			SourceEpoch: uint64ToString(a.SourceEpoch),
			TargetEpoch: uint64ToString(a.TargetEpoch),
			SigningRoot: rootToHexString(a.SigningRoot),
		}
	}

	return &ValidatorRecord{
		Pubkey:             pubKeyToHexString(v.PublicKey),
		SignedBlocks:       blockRecords,
		SignedAttestations: attRecords,
	}, nil
}
