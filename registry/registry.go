// Package registry maps validator public keys to the compact internal ids
// the Store and Engine operate on, caching the mapping in memory. The cache
// is append-only: no entry is ever removed or remapped, so concurrent
// lookups need no mutual exclusion beyond what sync.Map already provides --
// the same discipline the teacher's slashing-protection service uses for
// its in-memory attesting-history map.
package registry

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnregisteredValidator is returned by Lookup when a public key has
// never been registered. Sign paths must fail fast on this error rather
// than auto-registering -- registration policy belongs to the external
// signing service.
var ErrUnregisteredValidator = errors.New("unregistered validator")

// ValidatorStore is the subset of the storage package the registry needs
// to populate and extend its cache.
type ValidatorStore interface {
	RegisterValidators(ctx context.Context, keys [][]byte) (map[string]uint64, error)
	LoadAllValidators(ctx context.Context) ([]KeyID, error)
}

// KeyID is a (public key, internal id) pair, mirroring storage.Validator
// without importing the storage package -- registry depends only on the
// ValidatorStore interface above, not on any concrete persistence backend.
type KeyID struct {
	ID        uint64
	PublicKey []byte
}

// Registry is an in-memory, append-only cache of public key -> validator
// id.
type Registry struct {
	byPubKeyHex sync.Map // string (lower-case hex pubkey) -> uint64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{}
}

// LoadFromStore seeds the registry from every validator already known to
// the store, for use at process startup.
func (r *Registry) LoadFromStore(ctx context.Context, store ValidatorStore) error {
	validators, err := store.LoadAllValidators(ctx)
	if err != nil {
		return errors.Wrap(err, "could not load validators into registry")
	}
	for _, v := range validators {
		r.byPubKeyHex.Store(hex.EncodeToString(v.PublicKey), v.ID)
	}
	return nil
}

// Register is idempotent: it registers only keys the registry does not
// already know about against the store, then caches the returned mapping
// for the full input set (both newly and previously registered keys).
func (r *Registry) Register(ctx context.Context, store ValidatorStore, keys [][]byte) error {
	unknown := make([][]byte, 0, len(keys))
	for _, key := range keys {
		if _, ok := r.byPubKeyHex.Load(hex.EncodeToString(key)); !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	mapping, err := store.RegisterValidators(ctx, unknown)
	if err != nil {
		return errors.Wrap(err, "could not register validators")
	}
	for keyHex, id := range mapping {
		r.byPubKeyHex.Store(keyHex, id)
	}
	return nil
}

// Lookup resolves a public key to its internal validator id. It never
// consults the store or registers the key: an absent key is
// ErrUnregisteredValidator.
func (r *Registry) Lookup(publicKey []byte) (uint64, error) {
	val, ok := r.byPubKeyHex.Load(hex.EncodeToString(publicKey))
	if !ok {
		return 0, errors.Wrapf(ErrUnregisteredValidator, "public key %x", publicKey)
	}
	return val.(uint64), nil
}

// Cache records a known (publicKey, id) pair directly, used by the
// interchange importer which registers validators through the Store
// transaction rather than through Register.
func (r *Registry) Cache(publicKey []byte, id uint64) {
	r.byPubKeyHex.Store(hex.EncodeToString(publicKey), id)
}
