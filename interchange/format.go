// Package interchange implements the EIP-3076 v5 slashing-protection
// interchange format: a streaming JSON import/export codec that populates
// or drains the storage package atomically. Its per-pubkey extraction
// shape is adapted from the teacher's
// validator/slashing-protection/local/standard-protection-format package,
// generalized from Prysm's bbolt-backed history to the relational Store.
package interchange

// formatVersion is the only interchange_format_version this codec accepts.
const formatVersion = "5"

// Document is the top-level EIP-3076 v5 shape.
type Document struct {
	Metadata Metadata           `json:"metadata"`
	Data     []*ValidatorRecord `json:"data"`
}

// Metadata carries the interchange format version and the genesis
// validators root that scopes the file to a specific chain.
type Metadata struct {
	InterchangeFormatVersion string `json:"interchange_format_version"`
	GenesisValidatorsRoot    string `json:"genesis_validators_root"`
}

// ValidatorRecord is one entry in the "data" array: a public key plus its
// signed blocks and attestations.
type ValidatorRecord struct {
	Pubkey             string                     `json:"pubkey"`
	SignedBlocks       []*SignedBlockRecord       `json:"signed_blocks"`
	SignedAttestations []*SignedAttestationRecord `json:"signed_attestations"`
}

// SignedBlockRecord is one signed_blocks entry. SigningRoot is optional:
// its absence is a wildcard that cannot match any concrete root and cannot
// itself be re-exported with a root.
type SignedBlockRecord struct {
	Slot        string `json:"slot"`
	SigningRoot string `json:"signing_root,omitempty"`
}

// SignedAttestationRecord is one signed_attestations entry.
type SignedAttestationRecord struct {
	SourceEpoch string `json:"source_epoch"`
	TargetEpoch string `json:"target_epoch"`
	SigningRoot string `json:"signing_root,omitempty"`
}
