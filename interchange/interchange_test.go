package interchange

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NicolasMassart/web3signer/registry"
	"github.com/NicolasMassart/web3signer/storage"
)

// fakeStore is an in-memory storage.Tx + SnapshotStore/TransactionalStore,
// modeling a single serializable transaction per WithTx/Snapshot call. It
// mirrors the engine package's fake, scoped to what the codec exercises.
type fakeStore struct {
	nextID       uint64
	byPubKeyHex  map[string]uint64
	pubKeys      map[uint64][]byte
	blocks       map[uint64]map[uint64]storage.SignedBlock
	attestations map[uint64]map[uint64]storage.SignedAttestation
	watermarks   map[uint64]storage.Watermark
	genesisRoot  []byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byPubKeyHex:  make(map[string]uint64),
		pubKeys:      make(map[uint64][]byte),
		blocks:       make(map[uint64]map[uint64]storage.SignedBlock),
		attestations: make(map[uint64]map[uint64]storage.SignedAttestation),
		watermarks:   make(map[uint64]storage.Watermark),
	}
}

func (f *fakeStore) WithTx(_ context.Context, fn func(tx storage.Tx) error) error {
	return fn(&fakeTx{store: f})
}

func (f *fakeStore) Snapshot(_ context.Context, fn func(tx storage.Tx) error) error {
	return fn(&fakeTx{store: f})
}

type fakeTx struct {
	store *fakeStore
}

func (t *fakeTx) RegisterValidators(_ context.Context, keys [][]byte) (map[string]uint64, error) {
	result := make(map[string]uint64, len(keys))
	for _, key := range keys {
		hexKey := pubKeyToHexString(key)
		id, ok := t.store.byPubKeyHex[hexKey]
		if !ok {
			t.store.nextID++
			id = t.store.nextID
			t.store.byPubKeyHex[hexKey] = id
			t.store.pubKeys[id] = key
		}
		result[hexKeyNoPrefix(key)] = id
	}
	return result, nil
}

func (t *fakeTx) LookupValidators(_ context.Context, keys [][]byte) (map[string]uint64, error) {
	result := make(map[string]uint64, len(keys))
	for _, key := range keys {
		if id, ok := t.store.byPubKeyHex[pubKeyToHexString(key)]; ok {
			result[hexKeyNoPrefix(key)] = id
		}
	}
	return result, nil
}

func (t *fakeTx) FindExistingBlock(_ context.Context, validatorID, slot uint64) (*storage.SignedBlock, error) {
	byValidator, ok := t.store.blocks[validatorID]
	if !ok {
		return nil, nil
	}
	b, ok := byValidator[slot]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (t *fakeTx) InsertBlock(_ context.Context, block storage.SignedBlock) error {
	byValidator, ok := t.store.blocks[block.ValidatorID]
	if !ok {
		byValidator = make(map[uint64]storage.SignedBlock)
		t.store.blocks[block.ValidatorID] = byValidator
	}
	byValidator[block.Slot] = block
	return nil
}

func (t *fakeTx) ListBlocksForValidator(_ context.Context, validatorID uint64) ([]storage.SignedBlock, error) {
	var out []storage.SignedBlock
	for _, b := range t.store.blocks[validatorID] {
		out = append(out, b)
	}
	return out, nil
}

func (t *fakeTx) FindExistingAttestation(_ context.Context, validatorID, targetEpoch uint64) (*storage.SignedAttestation, error) {
	byValidator, ok := t.store.attestations[validatorID]
	if !ok {
		return nil, nil
	}
	a, ok := byValidator[targetEpoch]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (t *fakeTx) FindSurroundingAttestation(_ context.Context, validatorID, source, target uint64) (*storage.SignedAttestation, error) {
	for _, a := range t.store.attestations[validatorID] {
		if a.SourceEpoch < source && target < a.TargetEpoch {
			found := a
			return &found, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) FindSurroundedAttestation(_ context.Context, validatorID, source, target uint64) (*storage.SignedAttestation, error) {
	for _, a := range t.store.attestations[validatorID] {
		if source < a.SourceEpoch && a.TargetEpoch < target {
			found := a
			return &found, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) InsertAttestation(_ context.Context, att storage.SignedAttestation) error {
	byValidator, ok := t.store.attestations[att.ValidatorID]
	if !ok {
		byValidator = make(map[uint64]storage.SignedAttestation)
		t.store.attestations[att.ValidatorID] = byValidator
	}
	byValidator[att.TargetEpoch] = att
	return nil
}

func (t *fakeTx) ListAttestationsForValidator(_ context.Context, validatorID uint64) ([]storage.SignedAttestation, error) {
	var out []storage.SignedAttestation
	for _, a := range t.store.attestations[validatorID] {
		out = append(out, a)
	}
	return out, nil
}

func (t *fakeTx) GetGenesisValidatorsRoot(_ context.Context) ([]byte, error) {
	return t.store.genesisRoot, nil
}

func (t *fakeTx) SetGenesisValidatorsRoot(_ context.Context, root []byte) error {
	t.store.genesisRoot = root
	return nil
}

func (t *fakeTx) GetWatermark(_ context.Context, validatorID uint64) (storage.Watermark, error) {
	wm, ok := t.store.watermarks[validatorID]
	if !ok {
		return storage.Watermark{ValidatorID: validatorID}, nil
	}
	return wm, nil
}

func (t *fakeTx) RaiseSlotWatermark(_ context.Context, validatorID, slot uint64) error {
	wm := t.store.watermarks[validatorID]
	wm.ValidatorID = validatorID
	if wm.HighestSlot == nil || slot > *wm.HighestSlot {
		s := slot
		wm.HighestSlot = &s
	}
	t.store.watermarks[validatorID] = wm
	return nil
}

func (t *fakeTx) RaiseTargetEpochWatermark(_ context.Context, validatorID, target uint64) error {
	wm := t.store.watermarks[validatorID]
	wm.ValidatorID = validatorID
	if wm.HighestTargetEpoch == nil || target > *wm.HighestTargetEpoch {
		tgt := target
		wm.HighestTargetEpoch = &tgt
	}
	t.store.watermarks[validatorID] = wm
	return nil
}

func (t *fakeTx) LoadAllValidators(_ context.Context) ([]storage.Validator, error) {
	out := make([]storage.Validator, 0, len(t.store.pubKeys))
	for id, key := range t.store.pubKeys {
		out = append(out, storage.Validator{ID: id, PublicKey: key})
	}
	return out, nil
}

func hexKeyNoPrefix(key []byte) string {
	s := pubKeyToHexString(key)
	return s[2:]
}

func testPubKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 48)
}

func testRoot(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

// TestExportFailsWithoutGenesisRoot verifies Export refuses to run until a
// genesis validators root has been set.
func TestExportFailsWithoutGenesisRoot(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()

	var buf bytes.Buffer
	err := Export(ctx, store, &buf)
	require.Error(t, err)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, MissingGenesisRoot, ierr.Kind)
}

// TestExportImportRoundTrip verifies exporting then re-importing into an
// empty store reproduces the same blocks, attestations and watermarks.
func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newFakeStore()
	genesisRoot := testRoot(0x01)
	pubKey := testPubKey(0xAA)

	require.NoError(t, src.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SetGenesisValidatorsRoot(ctx, genesisRoot)
	}))
	require.NoError(t, src.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.RegisterValidators(ctx, [][]byte{pubKey}); err != nil {
			return err
		}
		if err := tx.InsertBlock(ctx, storage.SignedBlock{ValidatorID: 1, Slot: 10, SigningRoot: testRoot(0xBB)}); err != nil {
			return err
		}
		if err := tx.InsertAttestation(ctx, storage.SignedAttestation{ValidatorID: 1, SourceEpoch: 4, TargetEpoch: 8, SigningRoot: testRoot(0xCC)}); err != nil {
			return err
		}
		return tx.RaiseSlotWatermark(ctx, 1, 10)
	}))

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, src, &buf))

	dst := newFakeStore()
	require.NoError(t, Import(ctx, dst, registry.New(), bytes.NewReader(buf.Bytes())))

	require.Equal(t, genesisRoot, dst.genesisRoot)
	require.Len(t, dst.blocks[1], 1)
	require.Equal(t, testRoot(0xBB), dst.blocks[1][10].SigningRoot)
	require.Len(t, dst.attestations[1], 1)
	require.Equal(t, testRoot(0xCC), dst.attestations[1][8].SigningRoot)
	require.NotNil(t, dst.watermarks[1].HighestSlot)
	require.Equal(t, uint64(10), *dst.watermarks[1].HighestSlot)
}

// TestImportIdempotentReplay verifies re-importing the same document is a
// no-op, not a conflict.
func TestImportIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	pubKey := testPubKey(0xAA)
	doc := `{"metadata":{"interchange_format_version":"5","genesis_validators_root":"` + rootToHexString(testRoot(0x01)) + `"},` +
		`"data":[{"pubkey":"` + pubKeyToHexString(pubKey) + `","signed_blocks":[{"slot":"10","signing_root":"` + rootToHexString(testRoot(0xBB)) + `"}],"signed_attestations":[]}]}`

	require.NoError(t, Import(ctx, store, nil, bytes.NewReader([]byte(doc))))
	require.NoError(t, Import(ctx, store, nil, bytes.NewReader([]byte(doc))))
	require.Len(t, store.blocks[1], 1)
}

// TestImportRejectsConflictingBlock verifies a re-import with a different
// signing root at an already-seen slot is rejected and leaves the original
// record untouched.
func TestImportRejectsConflictingBlock(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	pubKey := testPubKey(0xAA)
	genesisRoot := rootToHexString(testRoot(0x01))

	seed := `{"metadata":{"interchange_format_version":"5","genesis_validators_root":"` + genesisRoot + `"},` +
		`"data":[{"pubkey":"` + pubKeyToHexString(pubKey) + `","signed_blocks":[{"slot":"10","signing_root":"` + rootToHexString(testRoot(0xBB)) + `"}],"signed_attestations":[]}]}`
	require.NoError(t, Import(ctx, store, nil, bytes.NewReader([]byte(seed))))

	conflicting := `{"metadata":{"interchange_format_version":"5","genesis_validators_root":"` + genesisRoot + `"},` +
		`"data":[{"pubkey":"` + pubKeyToHexString(pubKey) + `","signed_blocks":[{"slot":"10","signing_root":"` + rootToHexString(testRoot(0xDD)) + `"}],"signed_attestations":[]}]}`
	err := Import(ctx, store, nil, bytes.NewReader([]byte(conflicting)))
	require.Error(t, err)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, InterchangeConflict, ierr.Kind)

	// The whole import was transactional: the conflicting call must not
	// have left a second validator or partial state behind.
	require.Len(t, store.blocks[1], 1)
	require.Equal(t, testRoot(0xBB), store.blocks[1][10].SigningRoot)
}

// TestImportRejectsGenesisRootMismatch verifies Import rejects a document
// whose genesis validators root disagrees with the store's.
func TestImportRejectsGenesisRootMismatch(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SetGenesisValidatorsRoot(ctx, testRoot(0x01))
	}))

	doc := `{"metadata":{"interchange_format_version":"5","genesis_validators_root":"` + rootToHexString(testRoot(0x02)) + `"},"data":[]}`
	err := Import(ctx, store, nil, bytes.NewReader([]byte(doc)))
	require.Error(t, err)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, GenesisRootMismatch, ierr.Kind)
}

// TestImportRejectsSurroundingAttestation verifies the surround-vote check
// applies during import, not just on the live sign path.
func TestImportRejectsSurroundingAttestation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	pubKey := testPubKey(0xAA)
	genesisRoot := rootToHexString(testRoot(0x01))

	seed := `{"metadata":{"interchange_format_version":"5","genesis_validators_root":"` + genesisRoot + `"},` +
		`"data":[{"pubkey":"` + pubKeyToHexString(pubKey) + `","signed_blocks":[],"signed_attestations":[{"source_epoch":"4","target_epoch":"8","signing_root":"` + rootToHexString(testRoot(0xCC)) + `"}]}]}`
	require.NoError(t, Import(ctx, store, nil, bytes.NewReader([]byte(seed))))

	surrounding := `{"metadata":{"interchange_format_version":"5","genesis_validators_root":"` + genesisRoot + `"},` +
		`"data":[{"pubkey":"` + pubKeyToHexString(pubKey) + `","signed_blocks":[],"signed_attestations":[{"source_epoch":"3","target_epoch":"9","signing_root":"` + rootToHexString(testRoot(0xDD)) + `"}]}]}`
	err := Import(ctx, store, nil, bytes.NewReader([]byte(surrounding)))
	require.Error(t, err)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, InterchangeConflict, ierr.Kind)
	require.Len(t, store.attestations[1], 1, "the surrounding attestation must not have been written")
}

// TestImportRejectsUnsupportedVersion verifies Import rejects any
// interchange_format_version other than "5".
func TestImportRejectsUnsupportedVersion(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	doc := `{"metadata":{"interchange_format_version":"4","genesis_validators_root":"` + rootToHexString(testRoot(0x01)) + `"},"data":[]}`
	err := Import(ctx, store, nil, bytes.NewReader([]byte(doc)))
	require.Error(t, err)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, UnsupportedVersion, ierr.Kind)
}

func TestRootHexRoundTrip(t *testing.T) {
	root := testRoot(0xAB)
	s := rootToHexString(root)
	decoded, err := rootFromHex(s)
	require.NoError(t, err)
	require.Equal(t, root, decoded)
}

func TestRootFromHexWildcard(t *testing.T) {
	root, err := rootFromHex("")
	require.NoError(t, err)
	require.Nil(t, root)
}

func TestPubKeyHexRoundTrip(t *testing.T) {
	key := testPubKey(0x01)
	s := pubKeyToHexString(key)
	decoded, err := pubKeyFromHex(s)
	require.NoError(t, err)
	require.Equal(t, key, decoded)
}

func TestPubKeyFromHexRejectsWrongLength(t *testing.T) {
	_, err := pubKeyFromHex("0x0101")
	require.Error(t, err)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, MalformedInterchange, ierr.Kind)
}

func TestUint64StringRoundTrip(t *testing.T) {
	require.Equal(t, "12345", uint64ToString(12345))
	v, err := uint64FromString("12345")
	require.NoError(t, err)
	require.Equal(t, uint64(12345), v)
}

func TestUint64FromStringRejectsGarbage(t *testing.T) {
	_, err := uint64FromString("not-a-number")
	require.Error(t, err)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, MalformedInterchange, ierr.Kind)
}
