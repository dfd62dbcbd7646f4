package types

import (
	"math/big"
	"testing"
)

// R1: round-trip encoding of ProofEvent/VerifyResult is bit-equal.
func TestProofEventRoundTrip(t *testing.T) {
	bn := uint64(101)
	want := &ProofEvent{
		BlockNumber:  &bn,
		DataOwner:    [20]byte{1, 2, 3},
		Attester:     [32]byte{4, 5},
		CType:        [32]byte{6},
		ProgramHash:  [32]byte{7},
		RootHash:     [32]byte{8},
		RequestHash:  [32]byte{9},
		FieldNames:   []*big.Int{big.NewInt(10), big.NewInt(20)},
		ProofCID:     "QmRFeY7ZeywFyXzT7pCR9ZGyZqhNs9y4ozhMGgSpvTAb4f",
		ExpectResult: []*big.Int{big.NewInt(30)},
	}

	b, err := Encode([]*ProofEvent{want})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeProofEvents(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 event, got %d", len(got))
	}
	if got[0].ProofCID != want.ProofCID || got[0].RequestHash != want.RequestHash {
		t.Fatalf("round trip mismatch: got %+v want %+v", got[0], want)
	}
	if len(got[0].FieldNames) != 2 || got[0].FieldNames[0].Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("field_names mismatch: %+v", got[0].FieldNames)
	}
}

func TestVerifyResultRoundTrip(t *testing.T) {
	want := &VerifyResult{
		DataOwner:   [20]byte{1},
		RootHash:    [32]byte{2},
		RequestHash: [32]byte{3},
		IsPassed:    true,
		CalcOutput:  []*big.Int{big.NewInt(42)},
	}
	b, err := Encode([]*VerifyResult{want})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeVerifyResults(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].IsPassed != want.IsPassed || got[0].RootHash != want.RootHash {
		t.Fatalf("round trip mismatch: got %+v want %+v", got[0], want)
	}
}

func TestProofEventValidate(t *testing.T) {
	e := &ProofEvent{ProofCID: ""}
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for empty proof_cid")
	}
	e.ProofCID = "Qm..."
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApplyAttestationMutatesOnce(t *testing.T) {
	v := &VerifyResult{CType: [32]byte{1}, Attester: [32]byte{2}}
	a := &Attestation{CTypeHash: [32]byte{9}, Attester: [32]byte{10}}
	v.ApplyAttestation(a)
	if v.CType != a.CTypeHash || v.Attester != a.Attester {
		t.Fatalf("attestation not applied: %+v", v)
	}
}
