package interchange

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/NicolasMassart/web3signer/registry"
	"github.com/NicolasMassart/web3signer/storage"
)

// TransactionalStore is the subset of *storage.Store the importer needs: a
// single read-write transaction covering the whole document. It is an
// interface, rather than the concrete type, so Import can be exercised
// against an in-memory fake without a live Postgres instance.
type TransactionalStore interface {
	WithTx(ctx context.Context, fn func(tx storage.Tx) error) error
}

// Import streams an EIP-3076 v5 document from r into the store, inside a
// single transaction: any failure -- a malformed record, a genesis root
// mismatch, a conflicting or surrounding attestation -- rolls the whole
// import back, leaving the store exactly as it was before the call. reg
// may be nil; when set, every imported validator is cached into it so
// subsequent sign requests see it without a reload.
func Import(ctx context.Context, store TransactionalStore, reg *registry.Registry, r io.Reader) error {
	dec := json.NewDecoder(r)

	if err := expectDelim(dec, json.Delim('{')); err != nil {
		return err
	}

	return store.WithTx(ctx, func(tx storage.Tx) error {
		sawMetadata := false
		for dec.More() {
			key, err := decodeObjectKey(dec)
			if err != nil {
				return err
			}
			switch key {
			case "metadata":
				if err := importMetadata(ctx, dec, tx); err != nil {
					return err
				}
				sawMetadata = true
			case "data":
				if !sawMetadata {
					return &Error{Kind: MalformedInterchange, Err: fmt.Errorf("data array precedes metadata")}
				}
				if err := importData(ctx, dec, tx, reg); err != nil {
					return err
				}
			default:
				var discard json.RawMessage
				if err := dec.Decode(&discard); err != nil {
					return &Error{Kind: MalformedInterchange, Err: err}
				}
			}
		}
		return expectDelim(dec, json.Delim('}'))
	})
}

func importMetadata(ctx context.Context, dec *json.Decoder, tx storage.Tx) error {
	var meta Metadata
	if err := dec.Decode(&meta); err != nil {
		return &Error{Kind: MalformedInterchange, Err: err}
	}
	if meta.InterchangeFormatVersion != formatVersion {
		return &Error{Kind: UnsupportedVersion, Err: fmt.Errorf("unsupported interchange_format_version %q", meta.InterchangeFormatVersion)}
	}
	root, err := rootFromHex(meta.GenesisValidatorsRoot)
	if err != nil {
		return err
	}
	if len(root) == 0 {
		return &Error{Kind: MalformedInterchange, Err: fmt.Errorf("genesis_validators_root is required")}
	}

	existing, err := tx.GetGenesisValidatorsRoot(ctx)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return tx.SetGenesisValidatorsRoot(ctx, root)
	}
	if !bytes.Equal(existing, root) {
		return &Error{Kind: GenesisRootMismatch, Err: fmt.Errorf("file genesis root does not match the store's")}
	}
	return nil
}

func importData(ctx context.Context, dec *json.Decoder, tx storage.Tx, reg *registry.Registry) error {
	if err := expectDelim(dec, json.Delim('[')); err != nil {
		return err
	}
	for dec.More() {
		var rec ValidatorRecord
		if err := dec.Decode(&rec); err != nil {
			return &Error{Kind: MalformedInterchange, Err: err}
		}
		if err := importValidatorRecord(ctx, tx, reg, &rec); err != nil {
			return err
		}
	}
	return expectDelim(dec, json.Delim(']'))
}

func importValidatorRecord(ctx context.Context, tx storage.Tx, reg *registry.Registry, rec *ValidatorRecord) error {
	pubKey, err := pubKeyFromHex(rec.Pubkey)
	if err != nil {
		return err
	}

	mapping, err := tx.RegisterValidators(ctx, [][]byte{pubKey})
	if err != nil {
		return err
	}
	id, ok := mapping[hex.EncodeToString(pubKey)]
	if !ok {
		return &Error{Kind: MalformedInterchange, Err: fmt.Errorf("could not register validator %s", rec.Pubkey)}
	}
	if reg != nil {
		reg.Cache(pubKey, id)
	}

	if err := importBlocks(ctx, tx, id, rec); err != nil {
		return err
	}
	return importAttestations(ctx, tx, id, rec)
}

func importBlocks(ctx context.Context, tx storage.Tx, validatorID uint64, rec *ValidatorRecord) error {
	var highest uint64
	sawAny := false
	for _, b := range rec.SignedBlocks {
		slot, err := uint64FromString(b.Slot)
		if err != nil {
			return err
		}
		root, err := rootFromHex(b.SigningRoot)
		if err != nil {
			return err
		}

		existing, err := tx.FindExistingBlock(ctx, validatorID, slot)
		if err != nil {
			return err
		}
		switch {
		case existing == nil:
			if err := tx.InsertBlock(ctx, storage.SignedBlock{ValidatorID: validatorID, Slot: slot, SigningRoot: root}); err != nil {
				return err
			}
		case bytes.Equal(existing.SigningRoot, root):
			// identical record already present, nothing to do
		default:
			return &Error{Kind: InterchangeConflict, Err: fmt.Errorf("block at slot %d for %s conflicts with an existing signing root", slot, rec.Pubkey)}
		}

		if !sawAny || slot > highest {
			highest = slot
			sawAny = true
		}
	}
	if sawAny {
		return tx.RaiseSlotWatermark(ctx, validatorID, highest)
	}
	return nil
}

func importAttestations(ctx context.Context, tx storage.Tx, validatorID uint64, rec *ValidatorRecord) error {
	var highest uint64
	sawAny := false
	for _, a := range rec.SignedAttestations {
		source, err := uint64FromString(a.SourceEpoch)
		if err != nil {
			return err
		}
		target, err := uint64FromString(a.TargetEpoch)
		if err != nil {
			return err
		}
		if source > target {
			return &Error{Kind: MalformedInterchange, Err: fmt.Errorf("attestation for %s has source %d greater than target %d", rec.Pubkey, source, target)}
		}
		root, err := rootFromHex(a.SigningRoot)
		if err != nil {
			return err
		}

		existing, err := tx.FindExistingAttestation(ctx, validatorID, target)
		if err != nil {
			return err
		}
		switch {
		case existing == nil:
			surrounding, err := tx.FindSurroundingAttestation(ctx, validatorID, source, target)
			if err != nil {
				return err
			}
			if surrounding != nil {
				return &Error{Kind: InterchangeConflict, Err: fmt.Errorf("attestation (%d,%d) for %s is surrounded by an existing attestation", source, target, rec.Pubkey)}
			}
			surrounded, err := tx.FindSurroundedAttestation(ctx, validatorID, source, target)
			if err != nil {
				return err
			}
			if surrounded != nil {
				return &Error{Kind: InterchangeConflict, Err: fmt.Errorf("attestation (%d,%d) for %s surrounds an existing attestation", source, target, rec.Pubkey)}
			}
			if err := tx.InsertAttestation(ctx, storage.SignedAttestation{ValidatorID: validatorID, SourceEpoch: source, TargetEpoch: target, SigningRoot: root}); err != nil {
				return err
			}
		case bytes.Equal(existing.SigningRoot, root):
			// identical record already present, nothing to do
		default:
			return &Error{Kind: InterchangeConflict, Err: fmt.Errorf("attestation targeting epoch %d for %s conflicts with an existing signing root", target, rec.Pubkey)}
		}

		if !sawAny || target > highest {
			highest = target
			sawAny = true
		}
	}
	if sawAny {
		return tx.RaiseTargetEpochWatermark(ctx, validatorID, highest)
	}
	return nil
}

// expectDelim consumes the next JSON token and requires it to be the given
// delimiter.
func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return &Error{Kind: MalformedInterchange, Err: err}
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != want {
		return &Error{Kind: MalformedInterchange, Err: fmt.Errorf("expected %q, got %v", want, tok)}
	}
	return nil
}

// decodeObjectKey reads the next object key token while inside a '{'...'}'
// being walked field-by-field.
func decodeObjectKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", &Error{Kind: MalformedInterchange, Err: err}
	}
	key, ok := tok.(string)
	if !ok {
		return "", &Error{Kind: MalformedInterchange, Err: fmt.Errorf("expected an object key, got %v", tok)}
	}
	return key, nil
}
