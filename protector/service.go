// Package protector wires the Store, Registry, Decision Engine and
// Interchange Codec into a single service suitable for embedding in a
// remote signer. Its Config/NewService/Start/Stop shape is grounded
// on the teacher's validator/slashing-protection/local.Service.
package protector

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/NicolasMassart/web3signer/engine"
	"github.com/NicolasMassart/web3signer/interchange"
	"github.com/NicolasMassart/web3signer/registry"
	"github.com/NicolasMassart/web3signer/storage"
)

var log = logrus.WithField("prefix", "protector")

// Config describes how to build a Service. There are no package-level
// singletons anywhere in this wiring: every dependency is constructed and
// passed in explicitly.
type Config struct {
	Store   *storage.Store
	Metrics engine.Metrics
}

// Service is the external signing service's entry point for slashing
// protection: validator registration, sign-path decisions, and
// import/export of the EIP-3076 v5 interchange format.
type Service struct {
	store    *storage.Store
	registry *registry.Registry
	engine   *engine.Engine
}

// NewService constructs a Service over an already-open, already-migrated
// Store. It does not load the registry cache; call Start once the caller
// is ready to begin serving sign requests.
func NewService(cfg Config) *Service {
	reg := registry.New()
	eng := engine.New(engine.Config{
		Store:    cfg.Store,
		Resolver: reg,
		Metrics:  cfg.Metrics,
	})
	return &Service{
		store:    cfg.Store,
		registry: reg,
		engine:   eng,
	}
}

// Start loads every previously registered validator into the in-memory
// registry so sign-path lookups need no database round trip. It is
// intended to run once, synchronously, before the service accepts sign
// requests.
func (s *Service) Start(ctx context.Context) error {
	if err := s.registry.LoadFromStore(ctx, storeAdapter{s.store}); err != nil {
		return errors.Wrap(err, "could not load validator registry")
	}
	log.Info("loaded validator registry")
	return nil
}

// Stop releases the underlying Store's connection pool.
func (s *Service) Stop() error {
	return s.store.Close()
}

// RegisterValidators registers any of the given public keys the registry
// does not already know about, caching the result for subsequent sign
// requests.
func (s *Service) RegisterValidators(ctx context.Context, publicKeys [][]byte) error {
	return s.registry.Register(ctx, storeAdapter{s.store}, publicKeys)
}

// MaySignBlock evaluates a block proposal against the slashing-protection
// database.
func (s *Service) MaySignBlock(ctx context.Context, publicKey, signingRoot []byte, slot uint64) (bool, error) {
	return s.engine.MaySignBlock(ctx, publicKey, signingRoot, slot)
}

// MaySignAttestation evaluates an attestation against the
// slashing-protection database.
func (s *Service) MaySignAttestation(ctx context.Context, publicKey, signingRoot []byte, sourceEpoch, targetEpoch uint64) (bool, error) {
	return s.engine.MaySignAttestation(ctx, publicKey, signingRoot, sourceEpoch, targetEpoch)
}

// Export streams the full slashing-protection history as an EIP-3076 v5
// document.
func (s *Service) Export(ctx context.Context, w io.Writer) error {
	return interchange.Export(ctx, s.store, w)
}

// Import loads an EIP-3076 v5 document into the store, registering any
// validators it introduces into the in-memory registry as it goes.
func (s *Service) Import(ctx context.Context, r io.Reader) error {
	return interchange.Import(ctx, s.store, s.registry, r)
}

// loadAllValidators reads every validator row outside of any write
// transaction, for use at startup before the registry is populated.
func loadAllValidators(ctx context.Context, store *storage.Store) ([]storage.Validator, error) {
	var out []storage.Validator
	err := store.Snapshot(ctx, func(tx storage.Tx) error {
		validators, err := tx.LoadAllValidators(ctx)
		if err != nil {
			return err
		}
		out = validators
		return nil
	})
	return out, err
}

// storeAdapter adapts *storage.Store to registry.ValidatorStore, converting
// between storage.Validator and registry.KeyID so the registry package
// need not import storage at all.
type storeAdapter struct {
	store *storage.Store
}

func (a storeAdapter) RegisterValidators(ctx context.Context, keys [][]byte) (map[string]uint64, error) {
	var result map[string]uint64
	err := a.store.WithTx(ctx, func(tx storage.Tx) error {
		r, err := tx.RegisterValidators(ctx, keys)
		result = r
		return err
	})
	return result, err
}

func (a storeAdapter) LoadAllValidators(ctx context.Context) ([]registry.KeyID, error) {
	validators, err := loadAllValidators(ctx, a.store)
	if err != nil {
		return nil, err
	}
	out := make([]registry.KeyID, len(validators))
	for i, v := range validators {
		out[i] = registry.KeyID{ID: v.ID, PublicKey: v.PublicKey}
	}
	return out, nil
}
