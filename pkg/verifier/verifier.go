// Package verifier adapts the pipeline's proof-checking step to a
// concrete cryptographic backend. No STARK library exists anywhere in
// the reference corpus; the corpus does carry consensys/gnark and
// gnark-crypto (a Groth16 zk-SNARK stack), so GnarkVerifier stands in
// for the STARK verifier the fetch-and-verify worker calls. It is a
// deliberate substitution (SNARK, not STARK) documented in DESIGN.md.
package verifier

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
)

// Verifier checks a proof blob against a program hash and the public
// values the fetch-and-verify worker assembles (field_names, then the
// high and low 128-bit halves of root_hash, then expect_result...).
type Verifier interface {
	Verify(ctx context.Context, programHash [32]byte, blob []byte, publicInputs, outputs []*big.Int) (bool, error)
}

// GnarkVerifier checks Groth16 proofs over BN254, one verifying key
// per program hash, loaded once at startup.
type GnarkVerifier struct {
	curve ecc.ID

	mu  sync.RWMutex
	vks map[[32]byte]groth16.VerifyingKey
}

// NewGnarkVerifier loads every "<program_hash_hex>.vk" file under
// vkDir into memory. Files that don't match the naming convention are
// skipped rather than rejected, so a verifying-key directory can be
// reused for other artifacts.
func NewGnarkVerifier(vkDir string) (*GnarkVerifier, error) {
	v := &GnarkVerifier{
		curve: ecc.BN254,
		vks:   make(map[[32]byte]groth16.VerifyingKey),
	}
	entries, err := os.ReadDir(vkDir)
	if err != nil {
		return nil, fmt.Errorf("verifier: read vk dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".vk" {
			continue
		}
		hash, ok := programHashFromFilename(e.Name())
		if !ok {
			continue
		}
		f, err := os.Open(filepath.Join(vkDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("verifier: open %s: %w", e.Name(), err)
		}
		vk := groth16.NewVerifyingKey(v.curve)
		_, err = vk.ReadFrom(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("verifier: decode vk %s: %w", e.Name(), err)
		}
		v.vks[hash] = vk
	}
	return v, nil
}

func programHashFromFilename(name string) ([32]byte, bool) {
	var hash [32]byte
	stem := name[:len(name)-len(filepath.Ext(name))]
	b, err := hex.DecodeString(stem)
	if err != nil || len(b) != 32 {
		return hash, false
	}
	copy(hash[:], b)
	return hash, true
}

// Register installs a verifying key for programHash, for callers that
// fetch keys from somewhere other than a local directory.
func (v *GnarkVerifier) Register(programHash [32]byte, vk groth16.VerifyingKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vks[programHash] = vk
}

// Verify decodes blob as a serialized groth16 proof and checks it
// against the verifying key registered for programHash. A proof that
// fails cryptographic verification is a legitimate false verdict, not
// an error; only decode failures and a missing verifying key are
// surfaced as errors (the fetch-and-verify worker logs both and treats
// the record as is_passed=false either way).
func (v *GnarkVerifier) Verify(ctx context.Context, programHash [32]byte, blob []byte, publicInputs, outputs []*big.Int) (bool, error) {
	v.mu.RLock()
	vk, ok := v.vks[programHash]
	v.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("verifier: no verifying key registered for program %x", programHash)
	}

	proof := groth16.NewProof(v.curve)
	if _, err := proof.ReadFrom(bytes.NewReader(blob)); err != nil {
		return false, fmt.Errorf("verifier: decode proof: %w", err)
	}

	assignment := make([]*big.Int, 0, len(publicInputs)+len(outputs))
	assignment = append(assignment, publicInputs...)
	assignment = append(assignment, outputs...)

	w, err := witness.New(v.curve.ScalarField())
	if err != nil {
		return false, fmt.Errorf("verifier: new witness: %w", err)
	}

	values := make(chan any)
	errCh := make(chan error, 1)
	go func() {
		defer close(values)
		for _, a := range assignment {
			select {
			case values <- a:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		errCh <- nil
	}()
	if err := w.Fill(len(assignment), 0, values); err != nil {
		return false, fmt.Errorf("verifier: fill witness: %w", err)
	}
	if fillErr := <-errCh; fillErr != nil {
		return false, fmt.Errorf("verifier: %w", fillErr)
	}

	publicWitness, err := w.Public()
	if err != nil {
		return false, fmt.Errorf("verifier: derive public witness: %w", err)
	}

	if err := groth16.Verify(proof, vk, publicWitness); err != nil {
		return false, nil
	}
	return true, nil
}
