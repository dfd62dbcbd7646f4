package moonbeam

// contractABI is the aggregator contract's interface (spec.md §6,
// "Source-chain calls (bit-exact)"): the AddProof event plus the
// hasSubmitted/isFinished/submit functions the submit worker drives.
//
// The event's 9 positional parameters are load-bearing: earlier
// revisions of the upstream contract used an 8-tuple that dropped
// expect_result, and decoding against the wrong arity silently
// misattributes fields. Open (client.go) rejects any ABI whose
// AddProof event does not have exactly 9 inputs.
const contractABI = `[
  {
    "anonymous": false,
    "name": "AddProof",
    "type": "event",
    "inputs": [
      {"indexed": false, "name": "data_owner", "type": "address"},
      {"indexed": false, "name": "attester", "type": "bytes32"},
      {"indexed": false, "name": "c_type", "type": "bytes32"},
      {"indexed": false, "name": "program_hash", "type": "bytes32"},
      {"indexed": false, "name": "field_names", "type": "uint128[]"},
      {"indexed": false, "name": "proof_cid", "type": "string"},
      {"indexed": false, "name": "request_hash", "type": "bytes32"},
      {"indexed": false, "name": "root_hash", "type": "bytes32"},
      {"indexed": false, "name": "expect_result", "type": "uint128[]"}
    ]
  },
  {
    "name": "hasSubmitted",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "keeper", "type": "address"},
      {"name": "data_owner", "type": "address"},
      {"name": "request_hash", "type": "bytes32"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "name": "isFinished",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "data_owner", "type": "address"},
      {"name": "request_hash", "type": "bytes32"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "name": "submit",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "data_owner", "type": "address"},
      {"name": "request_hash", "type": "bytes32"},
      {"name": "c_type", "type": "bytes32"},
      {"name": "root_hash", "type": "bytes32"},
      {"name": "is_passed", "type": "bool"},
      {"name": "attester", "type": "bytes32"},
      {"name": "calc_output", "type": "uint128[]"}
    ],
    "outputs": []
  }
]`

const addProofEventName = "AddProof"

// expectedAddProofArity is the number of positional parameters
// spec.md §6 fixes for the AddProof event; see the doc comment on
// contractABI above.
const expectedAddProofArity = 9
