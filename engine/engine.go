// Package engine implements the two slashing-protection decision
// operations, MaySignBlock and MaySignAttestation, each executed as a
// single transaction combining detection queries with conditional
// insertion. Its control flow mirrors the original
// DbSlashingProtection.maySignAttestation/maySignBlock (the web3signer
// implementation this package's algorithms were adapted from) one-for-one.
package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/NicolasMassart/web3signer/storage"
)

var log = logrus.WithField("prefix", "engine")

const maxSerializationRetries = 3

// Resolver resolves a public key to its internal validator id. Satisfied
// by *registry.Registry.
type Resolver interface {
	Lookup(publicKey []byte) (uint64, error)
}

// Transactor runs fn inside a single SERIALIZABLE transaction. Satisfied
// by *storage.Store.
type Transactor interface {
	WithTx(ctx context.Context, fn func(tx storage.Tx) error) error
}

// Metrics is the ambient observability hook for permit/refuse decisions.
// A nil Metrics in Config is replaced by a no-op implementation in New.
type Metrics interface {
	IncPermitted(kind string)
	IncRefused(kind, reason string)
}

type noopMetrics struct{}

func (noopMetrics) IncPermitted(string)        {}
func (noopMetrics) IncRefused(string, string) {}

// Engine is the decision engine: a Transactor (Store) plus a Resolver
// (Registry), with no other state. There is no package-level singleton;
// callers construct one Engine per process via New.
type Engine struct {
	store    Transactor
	resolver Resolver
	metrics  Metrics
}

// Config wires an Engine's dependencies.
type Config struct {
	Store    Transactor
	Resolver Resolver
	Metrics  Metrics
}

// New constructs an Engine from explicit dependencies.
func New(cfg Config) *Engine {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{store: cfg.Store, resolver: cfg.Resolver, metrics: metrics}
}

// MaySignBlock detects double block proposals for a slot and inserts the
// first-seen signing root. It returns a non-nil error only for
// UnregisteredValidator; every other fault degrades to a false decision plus
// a WARN log, so storage trouble fails closed instead of panicking a caller.
func (e *Engine) MaySignBlock(ctx context.Context, publicKey, signingRoot []byte, slot uint64) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "Engine.MaySignBlock")
	defer span.End()

	validatorID, err := e.resolver.Lookup(publicKey)
	if err != nil {
		return false, &Error{Kind: UnregisteredValidator, Err: err}
	}

	var permitted bool
	txErr := e.withRetry(ctx, func() error {
		return e.store.WithTx(ctx, func(tx storage.Tx) error {
			permitted = false

			wm, err := tx.GetWatermark(ctx, validatorID)
			if err != nil {
				return err
			}
			if wm.HighestSlot != nil && slot < *wm.HighestSlot {
				log.WithFields(logrus.Fields{
					"publicKey":    hexString(publicKey),
					"slot":         slot,
					"highestSlot":  *wm.HighestSlot,
				}).Warn("Refusing block proposal below import watermark")
				return nil
			}

			existing, err := tx.FindExistingBlock(ctx, validatorID, slot)
			if err != nil {
				return err
			}
			switch {
			case existing == nil:
				if err := tx.InsertBlock(ctx, storage.SignedBlock{
					ValidatorID: validatorID,
					Slot:        slot,
					SigningRoot: signingRoot,
				}); err != nil {
					if storage.IsUniqueViolation(err) {
						// Lost a race with a concurrent writer for this
						// exact slot; treat as a refusal, not a crash.
						log.WithFields(logrus.Fields{"publicKey": hexString(publicKey), "slot": slot}).
							Warn("Lost race inserting block proposal")
						return nil
					}
					return err
				}
				if err := tx.RaiseSlotWatermark(ctx, validatorID, slot); err != nil {
					return err
				}
				permitted = true
			case bytes.Equal(existing.SigningRoot, signingRoot):
				// Same slot, same root: idempotent rebroadcast.
				permitted = true
			default:
				log.WithFields(logrus.Fields{
					"publicKey":           hexString(publicKey),
					"slot":                slot,
					"existingSigningRoot": hexString(existing.SigningRoot),
				}).Warn("Detected double block proposal")
			}
			return nil
		})
	})
	if txErr != nil {
		log.WithError(txErr).WithField("publicKey", hexString(publicKey)).Warn("Storage unavailable for block proposal decision")
		e.metrics.IncRefused("block", "storage_unavailable")
		return false, nil
	}

	if permitted {
		e.metrics.IncPermitted("block")
	} else {
		e.metrics.IncRefused("block", "slashable")
	}
	return permitted, nil
}

// MaySignAttestation detects double votes and surround votes for an
// attestation. The same-target rebroadcast check runs before the surround
// checks so a benign rebroadcast is never mistaken for a surround.
func (e *Engine) MaySignAttestation(ctx context.Context, publicKey, signingRoot []byte, source, target uint64) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "Engine.MaySignAttestation")
	defer span.End()

	validatorID, err := e.resolver.Lookup(publicKey)
	if err != nil {
		return false, &Error{Kind: UnregisteredValidator, Err: err}
	}

	if source > target {
		log.WithFields(logrus.Fields{
			"publicKey": hexString(publicKey),
			"source":    source,
			"target":    target,
		}).Warn("Detected sourceEpoch greater than targetEpoch")
		e.metrics.IncRefused("attestation", "malformed")
		return false, nil
	}

	var permitted bool
	txErr := e.withRetry(ctx, func() error {
		return e.store.WithTx(ctx, func(tx storage.Tx) error {
			permitted = false

			wm, err := tx.GetWatermark(ctx, validatorID)
			if err != nil {
				return err
			}
			if wm.HighestTargetEpoch != nil && target < *wm.HighestTargetEpoch {
				log.WithFields(logrus.Fields{
					"publicKey":          hexString(publicKey),
					"target":             target,
					"highestTargetEpoch": *wm.HighestTargetEpoch,
				}).Warn("Refusing attestation below import watermark")
				return nil
			}

			existing, err := tx.FindExistingAttestation(ctx, validatorID, target)
			if err != nil {
				return err
			}
			if existing != nil {
				if bytes.Equal(existing.SigningRoot, signingRoot) {
					// Same target and root: idempotent rebroadcast.
					permitted = true
					return nil
				}
				log.WithFields(logrus.Fields{
					"publicKey":           hexString(publicKey),
					"target":              target,
					"existingSigningRoot": hexString(existing.SigningRoot),
				}).Warn("Detected double vote")
				return nil
			}

			surrounding, err := tx.FindSurroundingAttestation(ctx, validatorID, source, target)
			if err != nil {
				return err
			}
			if surrounding != nil {
				log.WithFields(logrus.Fields{
					"publicKey":             hexString(publicKey),
					"source":                source,
					"target":                target,
					"surroundingAttestation": surrounding,
				}).Warn("Detected surrounding attestation")
				return nil
			}

			surrounded, err := tx.FindSurroundedAttestation(ctx, validatorID, source, target)
			if err != nil {
				return err
			}
			if surrounded != nil {
				log.WithFields(logrus.Fields{
					"publicKey":            hexString(publicKey),
					"source":               source,
					"target":               target,
					"surroundedAttestation": surrounded,
				}).Warn("Detected surrounded attestation")
				return nil
			}

			if err := tx.InsertAttestation(ctx, storage.SignedAttestation{
				ValidatorID: validatorID,
				SourceEpoch: source,
				TargetEpoch: target,
				SigningRoot: signingRoot,
			}); err != nil {
				if storage.IsUniqueViolation(err) {
					log.WithFields(logrus.Fields{"publicKey": hexString(publicKey), "target": target}).
						Warn("Lost race inserting attestation")
					return nil
				}
				return err
			}
			if err := tx.RaiseTargetEpochWatermark(ctx, validatorID, target); err != nil {
				return err
			}
			permitted = true
			return nil
		})
	})
	if txErr != nil {
		log.WithError(txErr).WithField("publicKey", hexString(publicKey)).Warn("Storage unavailable for attestation decision")
		e.metrics.IncRefused("attestation", "storage_unavailable")
		return false, nil
	}

	if permitted {
		e.metrics.IncPermitted("attestation")
	} else {
		e.metrics.IncRefused("attestation", "slashable")
	}
	return permitted, nil
}

// withRetry retries fn a bounded number of times on a SERIALIZABLE
// conflict before giving up; any other error, or exhaustion of retries,
// is returned to the caller.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxSerializationRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !storage.IsSerializationFailure(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		backoff := time.Duration(attempt+1) * 10 * time.Millisecond
		backoff += time.Duration(rand.Intn(10)) * time.Millisecond
		time.Sleep(backoff)
	}
	return errors.Wrap(err, "exhausted serialization retries")
}

func hexString(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
