// Package moonbeam implements the source-chain client (component B):
// best-block queries, the AddProof log filter, and signed submission
// of verification results, grounded on the teacher's ethclient
// wrapper idiom (functional construction, context on every call,
// %w-wrapped errors).
package moonbeam

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	keepertypes "github.com/zcloak-network/keeper/pkg/types"
)

// ErrDecodeAddProof marks a Logs error as schema drift in the decoded
// event rather than a transport failure (spec.md §7 kind 8): callers
// use errors.Is against it to tell the two apart.
var ErrDecodeAddProof = errors.New("moonbeam: decode AddProof event")

// Client is the keeper's handle onto the EVM source chain. A single
// Client is shared read-only across the scan and submit workers, same
// as the teacher shares one *ethclient.Client through its wrapper.
type Client struct {
	eth           *ethclient.Client
	abi           abi.ABI
	chainID       *big.Int
	readContract  common.Address
	writeContract common.Address
}

// Open dials url and validates the bundled contract ABI's AddProof
// event arity before returning a usable client (spec.md §9: "reject
// [others] at startup with a clear error").
func Open(ctx context.Context, url string, chainID int64, readContract, writeContract common.Address) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("moonbeam: dial %s: %w", url, err)
	}

	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("moonbeam: parse contract abi: %w", err)
	}
	event, ok := parsed.Events[addProofEventName]
	if !ok {
		eth.Close()
		return nil, fmt.Errorf("moonbeam: contract abi has no %s event", addProofEventName)
	}
	if len(event.Inputs) != expectedAddProofArity {
		eth.Close()
		return nil, fmt.Errorf("moonbeam: %s event has %d inputs, want exactly %d",
			addProofEventName, len(event.Inputs), expectedAddProofArity)
	}

	return &Client{
		eth:           eth,
		abi:           parsed,
		chainID:       big.NewInt(chainID),
		readContract:  readContract,
		writeContract: writeContract,
	}, nil
}

func (c *Client) Close() { c.eth.Close() }

// BestNumber returns the chain's current head height.
func (c *Client) BestNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("moonbeam: best_number: %w", err)
	}
	return n, nil
}

// Logs queries AddProof events emitted by the read contract in
// [from, to] inclusive, attaching each entry's block number. The
// FilterLogs transport call and the per-log decode each fail
// distinctly: a decode error wraps ErrDecodeAddProof so callers can
// errors.Is against it to apply the scan worker's error policy
// (transport errors transient, decode/schema-drift errors fatal).
func (c *Client) Logs(ctx context.Context, from, to uint64) ([]*keepertypes.ProofEvent, error) {
	event := c.abi.Events[addProofEventName]
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.readContract},
		Topics:    [][]common.Hash{{event.ID}},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("moonbeam: logs(%d,%d): %w", from, to, err)
	}

	out := make([]*keepertypes.ProofEvent, 0, len(logs))
	for _, lg := range logs {
		pe, err := decodeAddProof(&event, lg)
		if err != nil {
			return nil, fmt.Errorf("%w: block %d: %v", ErrDecodeAddProof, lg.BlockNumber, err)
		}
		bn := lg.BlockNumber
		pe.BlockNumber = &bn
		out = append(out, pe)
	}
	return out, nil
}

func decodeAddProof(event *abi.Event, lg types.Log) (*keepertypes.ProofEvent, error) {
	values, err := event.Inputs.Unpack(lg.Data)
	if err != nil {
		return nil, err
	}
	if len(values) != expectedAddProofArity {
		return nil, fmt.Errorf("decoded %d fields, want %d", len(values), expectedAddProofArity)
	}

	dataOwner, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("field 0 (data_owner): unexpected type %T", values[0])
	}
	attester, err := to32(values[1])
	if err != nil {
		return nil, fmt.Errorf("field 1 (attester): %w", err)
	}
	cType, err := to32(values[2])
	if err != nil {
		return nil, fmt.Errorf("field 2 (c_type): %w", err)
	}
	programHash, err := to32(values[3])
	if err != nil {
		return nil, fmt.Errorf("field 3 (program_hash): %w", err)
	}
	fieldNames, ok := values[4].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("field 4 (field_names): unexpected type %T", values[4])
	}
	proofCID, ok := values[5].(string)
	if !ok {
		return nil, fmt.Errorf("field 5 (proof_cid): unexpected type %T", values[5])
	}
	requestHash, err := to32(values[6])
	if err != nil {
		return nil, fmt.Errorf("field 6 (request_hash): %w", err)
	}
	rootHash, err := to32(values[7])
	if err != nil {
		return nil, fmt.Errorf("field 7 (root_hash): %w", err)
	}
	expectResult, ok := values[8].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("field 8 (expect_result): unexpected type %T", values[8])
	}

	pe := &keepertypes.ProofEvent{
		DataOwner:    addressTo20(dataOwner),
		Attester:     attester,
		CType:        cType,
		ProgramHash:  programHash,
		RootHash:     rootHash,
		RequestHash:  requestHash,
		FieldNames:   fieldNames,
		ProofCID:     proofCID,
		ExpectResult: expectResult,
	}
	if err := pe.Validate(); err != nil {
		return nil, err
	}
	return pe, nil
}

func to32(v any) ([32]byte, error) {
	b, ok := v.([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("unexpected type %T", v)
	}
	return b, nil
}

func addressTo20(a common.Address) [20]byte {
	var out [20]byte
	copy(out[:], a.Bytes())
	return out
}

// TransactionCount returns the account nonce the submit worker falls
// back to when the best-block-equality heuristic (spec.md §4.H step
// 3) does not apply.
func (c *Client) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	n, err := c.eth.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("moonbeam: transaction_count(%s): %w", addr, err)
	}
	return n, nil
}

// GasPrice returns the node's suggested gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	gp, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("moonbeam: gas_price: %w", err)
	}
	return gp, nil
}

// HasSubmitted queries the aggregator's hasSubmitted(keeper,
// data_owner, request_hash) read. Transport failure is reported to
// the caller, which per spec.md §4.H step 1 treats it as "false" and
// continues (the contract remains authoritative).
func (c *Client) HasSubmitted(ctx context.Context, keeper, dataOwner common.Address, requestHash [32]byte) (bool, error) {
	out, err := c.query(ctx, "hasSubmitted", keeper, dataOwner, requestHash)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// IsFinished queries isFinished(data_owner, request_hash).
func (c *Client) IsFinished(ctx context.Context, dataOwner common.Address, requestHash [32]byte) (bool, error) {
	out, err := c.query(ctx, "isFinished", dataOwner, requestHash)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

func (c *Client) query(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("moonbeam: pack %s: %w", method, err)
	}
	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.readContract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("moonbeam: query %s: %w", method, err)
	}
	out, err := c.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("moonbeam: unpack %s: %w", method, err)
	}
	return out, nil
}

// SubmitArgs bundles the verification-result payload the submit/
// resubmit workers pass into SignedCall, mirroring the ABI's
// `submit(...)` positional parameters (spec.md §6).
type SubmitArgs struct {
	DataOwner   common.Address
	RequestHash [32]byte
	CType       [32]byte
	RootHash    [32]byte
	IsPassed    bool
	Attester    [32]byte
	CalcOutput  []*big.Int
}

// CallOptions carries the per-attempt nonce and gas price the submit
// and resubmit workers compute themselves (spec.md §4.H, §4.I) rather
// than deriving from the node at send time.
type CallOptions struct {
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
}

// SignedCall submits a signed `submit` transaction and returns its
// hash without waiting for inclusion, as spec.md §4.B requires.
func (c *Client) SignedCall(ctx context.Context, key *ecdsa.PrivateKey, args SubmitArgs, opts CallOptions) ([32]byte, error) {
	data, err := c.abi.Pack("submit",
		args.DataOwner, args.RequestHash, args.CType, args.RootHash,
		args.IsPassed, args.Attester, args.CalcOutput)
	if err != nil {
		return [32]byte{}, fmt.Errorf("moonbeam: pack submit: %w", err)
	}

	tx := types.NewTransaction(opts.Nonce, c.writeContract, big.NewInt(0), opts.GasLimit, opts.GasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return [32]byte{}, fmt.Errorf("moonbeam: sign submit: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return [32]byte{}, fmt.Errorf("moonbeam: send submit: %w", err)
	}
	return signed.Hash(), nil
}

// SignedCallWithConfirmations submits like SignedCall but blocks
// until the transaction is mined and has accumulated at least
// confirmations additional blocks.
func (c *Client) SignedCallWithConfirmations(ctx context.Context, key *ecdsa.PrivateKey, args SubmitArgs, opts CallOptions, confirmations uint64) (*types.Receipt, error) {
	data, err := c.abi.Pack("submit",
		args.DataOwner, args.RequestHash, args.CType, args.RootHash,
		args.IsPassed, args.Attester, args.CalcOutput)
	if err != nil {
		return nil, fmt.Errorf("moonbeam: pack submit: %w", err)
	}
	tx := types.NewTransaction(opts.Nonce, c.writeContract, big.NewInt(0), opts.GasLimit, opts.GasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("moonbeam: sign submit: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("moonbeam: send submit: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return nil, fmt.Errorf("moonbeam: wait mined: %w", err)
	}
	for confirmations > 0 {
		head, err := c.BestNumber(ctx)
		if err != nil {
			return nil, err
		}
		if head >= receipt.BlockNumber.Uint64()+confirmations {
			break
		}
	}
	return receipt, nil
}

// Transaction reports whether hash is known to the node, used by the
// resubmit worker's inclusion check (spec.md §4.I step 3).
func (c *Client) Transaction(ctx context.Context, hash [32]byte) (found bool, isPending bool, err error) {
	_, pending, err := c.eth.TransactionByHash(ctx, common.BytesToHash(hash[:]))
	if err != nil {
		if err == ethereum.NotFound {
			return false, false, nil
		}
		return false, false, fmt.Errorf("moonbeam: transaction(%x): %w", hash, err)
	}
	return true, pending, nil
}

// PrivateKeyAddress derives the public address for a private key, used
// by the submit and resubmit workers to identify themselves in
// hasSubmitted calls.
func PrivateKeyAddress(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
