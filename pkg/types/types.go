// Package types defines the records that flow between the keeper's
// pipeline stages and through the durable queues.
package types

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// ProofEvent is emitted by the source chain's AddProof event and is
// the first record in the pipeline (queue Q1: event2ipfs).
type ProofEvent struct {
	BlockNumber  *uint64    `json:"block_number,omitempty"`
	DataOwner    [20]byte   `json:"data_owner"`
	Attester     [32]byte   `json:"attester"`
	CType        [32]byte   `json:"c_type"`
	ProgramHash  [32]byte   `json:"program_hash"`
	RootHash     [32]byte   `json:"root_hash"`
	RequestHash  [32]byte   `json:"request_hash"`
	FieldNames   []*big.Int `json:"field_names"`
	ProofCID     string     `json:"proof_cid"`
	ExpectResult []*big.Int `json:"expect_result"`
}

// Validate enforces the invariants spec.md §3 places on a ProofEvent.
func (e *ProofEvent) Validate() error {
	if e.ProofCID == "" {
		return fmt.Errorf("proof event %x: empty proof_cid", e.RequestHash)
	}
	return nil
}

// VerifyResult is produced by the fetch-and-verify worker (stage 2)
// and consumed by the attestation-filter and submit workers (queue
// Q2: verify2attest).
type VerifyResult struct {
	BlockNumber *uint64    `json:"block_number,omitempty"`
	DataOwner   [20]byte   `json:"data_owner"`
	RootHash    [32]byte   `json:"root_hash"`
	CType       [32]byte   `json:"c_type"`
	ProgramHash [32]byte   `json:"program_hash"`
	RequestHash [32]byte   `json:"request_hash"`
	Attester    [32]byte   `json:"attester"`
	IsPassed    bool       `json:"is_passed"`
	CalcOutput  []*big.Int `json:"calc_output"`
}

// FromProofEvent builds the stage-2 output record for an event, given
// the STARK verdict. block_number is carried over when present.
func FromProofEvent(e *ProofEvent, isPassed bool, calcOutput []*big.Int) *VerifyResult {
	return &VerifyResult{
		BlockNumber: e.BlockNumber,
		DataOwner:   e.DataOwner,
		RootHash:    e.RootHash,
		CType:       e.CType,
		ProgramHash: e.ProgramHash,
		RequestHash: e.RequestHash,
		Attester:    e.Attester,
		IsPassed:    isPassed,
		CalcOutput:  calcOutput,
	}
}

// ApplyAttestation overwrites CType and Attester with authoritative
// values from the credential chain. spec.md §3: "mutated at most once
// by stage 3".
func (v *VerifyResult) ApplyAttestation(a *Attestation) {
	v.CType = a.CTypeHash
	v.Attester = a.Attester
}

// Attestation is a credential-chain record binding a root_hash to a
// ctype/attester pair, with a revocation flag.
type Attestation struct {
	CTypeHash    [32]byte `json:"ctype_hash"`
	Attester     [32]byte `json:"attester"`
	DelegationID *uint64  `json:"delegation_id,omitempty"`
	Revoked      bool     `json:"revoked"`
	// Deposit is read but ignored by the core pipeline.
	Deposit *big.Int `json:"deposit,omitempty"`
}

// FatTx records the semantic payload of a submitted transaction plus
// its last submission attempt (stage 4 output, stage 5 input, queue
// Q4/resubmit).
type FatTx struct {
	SendAt   uint64        `json:"send_at"`
	GasPrice *big.Int      `json:"gas_price"`
	Nonce    *uint64       `json:"nonce,omitempty"`
	TxHash   *[32]byte     `json:"tx_hash,omitempty"`
	Payload  *VerifyResult `json:"payload"`
}

// RetryTx wraps a FatTx with the resubmit worker's retry counter.
type RetryTx struct {
	Tx         *FatTx `json:"tx"`
	RetryTimes uint8  `json:"retry_times"`
}

// Encode/Decode give every queue a single self-describing wire format
// (JSON, uniformly — see SPEC_FULL.md §3 / DESIGN.md Open Question
// resolutions).

func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return b, nil
}

func DecodeProofEvents(b []byte) ([]*ProofEvent, error) {
	var out []*ProofEvent
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode proof events: %w", err)
	}
	return out, nil
}

func DecodeVerifyResults(b []byte) ([]*VerifyResult, error) {
	var out []*VerifyResult
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode verify results: %w", err)
	}
	return out, nil
}

func DecodeFatTxs(b []byte) ([]*FatTx, error) {
	var out []*FatTx
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode fat txs: %w", err)
	}
	return out, nil
}
