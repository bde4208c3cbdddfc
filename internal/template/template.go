package template

import (
	"encoding/hex"
	"math"
	"math/big"
	"sync"

	"github.com/pkg/errors"

	"github.com/blockforge/stratumpool/internal/byteutil"
	"github.com/blockforge/stratumpool/internal/coinbase"
	"github.com/blockforge/stratumpool/internal/merkle"
)

// Diff1SHA256D is the SHA-256d algorithm's reference target
// (0x1d00ffff expanded), the conventional diff1 numerator for
// Bitcoin-family coins. Other algorithms inject their own diff1 via
// Options.Diff1; hash-algorithm dispatch is out of this package's
// scope.
var Diff1SHA256D = mustBignumFromBits("1d00ffff")

func mustBignumFromBits(bits string) *big.Int {
	n, err := byteutil.BignumFromBitsHex(bits)
	if err != nil {
		panic(err)
	}
	return n
}

// RewardTag selects the trailing-byte convention serializeBlock uses.
type RewardTag string

const (
	RewardPOW RewardTag = "POW"
	RewardPOS RewardTag = "POS"
	// RewardMN behaves like RewardPOW for the trailing byte but requires
	// a non-empty masternode vote list.
	RewardMN RewardTag = "MN"
)

// Options configures construction of a BlockTemplate beyond what a
// single RpcData carries: the algorithm's diff1, the reward convention,
// extranonce sizing, and everything the coinbase builder needs.
type Options struct {
	Diff1     *big.Int
	RewardTag RewardTag

	ExtraNonce1Size int
	ExtraNonce2Size int
	TxVersion       uint32
	LockTime        uint32

	PoolScript           []byte
	Recipients           []coinbase.Recipient
	WitnessCommitment    []byte
	Message              string
	MessageSuffixEntropy []byte
	MaxScriptSigLength   int
}

// BlockTemplate holds one job's worth of immutable work plus the
// mutable set of fingerprints already submitted against it.
type BlockTemplate struct {
	JobID string

	Target     *big.Int
	Difficulty float64

	PrevHashReversed []byte
	prevHashRaw      []byte

	Version         uint32
	Bits            string
	CurTime         uint32
	Height          int64
	TransactionData []byte
	VoteData        []byte
	TxCount         int

	MerkleBranch [][]byte
	Generation   coinbase.Halves

	rewardTag RewardTag

	mu      sync.Mutex
	submits map[string]struct{}

	jobParamsOnce sync.Once
	jobParams     []interface{}
}

// New constructs a BlockTemplate from one RpcData snapshot. jobID must
// be unique for the server's lifetime; callers typically mint it with a
// UUID.
func New(jobID string, rpc RpcData, opts Options) (*BlockTemplate, error) {
	if opts.Diff1 == nil {
		opts.Diff1 = Diff1SHA256D
	}
	if opts.RewardTag == "" {
		opts.RewardTag = RewardPOW
	}

	target, err := computeTarget(rpc)
	if err != nil {
		return nil, errors.Wrap(err, "template: compute target")
	}
	if target.Sign() <= 0 {
		return nil, errors.New("template: target must be positive")
	}
	difficulty, err := difficultyFromTarget(opts.Diff1, target)
	if err != nil {
		return nil, errors.Wrap(err, "template: compute difficulty")
	}

	prevHashRaw, err := hex.DecodeString(rpc.PreviousBlockHash)
	if err != nil || len(prevHashRaw) != 32 {
		return nil, errors.Errorf("template: previousblockhash must be 32 bytes of hex, got %q", rpc.PreviousBlockHash)
	}
	prevHashReversed, err := byteutil.ReverseByteOrder(prevHashRaw)
	if err != nil {
		return nil, errors.Wrap(err, "template: reverse previousblockhash")
	}

	var txData []byte
	txHashes := make([][]byte, 0, len(rpc.Transactions))
	for _, tx := range rpc.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "template: decode transaction data for %q", tx.HashHex())
		}
		txData = append(txData, raw...)

		h, err := byteutil.Uint256BufferFromHash(tx.HashHex())
		if err != nil {
			return nil, errors.Wrapf(err, "template: decode transaction hash %q", tx.HashHex())
		}
		txHashes = append(txHashes, h)
	}
	merkleBranch := merkle.Steps(txHashes)

	voteData, err := buildVoteData(opts.RewardTag, rpc.MasternodePayments)
	if err != nil {
		return nil, err
	}

	auxFlags, err := hex.DecodeString(rpc.CoinbaseAuxFlags)
	if err != nil {
		return nil, errors.Wrap(err, "template: decode coinbaseaux flags")
	}

	generation, err := coinbase.Build(coinbase.Params{
		ExtraNonce1Size:      opts.ExtraNonce1Size,
		ExtraNonce2Size:      opts.ExtraNonce2Size,
		TxVersion:            opts.TxVersion,
		LockTime:             opts.LockTime,
		Height:               rpc.Height,
		CoinbaseValue:        rpc.CoinbaseValue,
		CoinbaseAuxFlags:     auxFlags,
		PoolScript:           opts.PoolScript,
		Recipients:           opts.Recipients,
		WitnessCommitment:    opts.WitnessCommitment,
		Message:              opts.Message,
		MessageSuffixEntropy: opts.MessageSuffixEntropy,
		MaxScriptSigLength:   opts.MaxScriptSigLength,
	})
	if err != nil {
		return nil, errors.Wrap(err, "template: build coinbase")
	}

	return &BlockTemplate{
		JobID:            jobID,
		Target:           target,
		Difficulty:       difficulty,
		PrevHashReversed: prevHashReversed,
		prevHashRaw:      prevHashRaw,
		Version:          rpc.Version,
		Bits:             rpc.Bits,
		CurTime:          rpc.CurTime,
		Height:           rpc.Height,
		TransactionData:  txData,
		VoteData:         voteData,
		TxCount:          len(rpc.Transactions),
		MerkleBranch:     merkleBranch,
		Generation:       generation,
		rewardTag:        opts.RewardTag,
		submits:          make(map[string]struct{}),
	}, nil
}

func computeTarget(rpc RpcData) (*big.Int, error) {
	if rpc.Target != "" {
		raw, err := hex.DecodeString(rpc.Target)
		if err != nil {
			return nil, errors.Wrap(err, "decode explicit target")
		}
		return new(big.Int).SetBytes(raw), nil
	}
	return byteutil.BignumFromBitsHex(rpc.Bits)
}

func difficultyFromTarget(diff1, target *big.Int) (float64, error) {
	if target.Sign() <= 0 {
		return 0, errors.New("target must be positive")
	}
	quotient := new(big.Float).Quo(new(big.Float).SetInt(diff1), new(big.Float).SetInt(target))
	v, _ := quotient.Float64()
	if v <= 0 {
		return 0, errors.New("difficulty must be positive")
	}
	return math.Round(v*1e9) / 1e9, nil
}

func buildVoteData(tag RewardTag, payments *MasternodePayments) ([]byte, error) {
	if payments == nil || len(payments.Votes) == 0 {
		if tag == RewardMN {
			return nil, errors.New("template: reward tag MN requires a non-empty masternode vote list")
		}
		return nil, nil
	}
	var buf []byte
	buf = append(buf, byteutil.VarIntBuffer(uint64(len(payments.Votes)))...)
	for _, v := range payments.Votes {
		raw, err := hex.DecodeString(v)
		if err != nil {
			return nil, errors.Wrap(err, "template: decode masternode vote")
		}
		buf = append(buf, raw...)
	}
	return buf, nil
}

// SerializeCoinbase returns the full generation transaction for a
// given miner-supplied extranonce pair.
func (bt *BlockTemplate) SerializeCoinbase(extraNonce1, extraNonce2 []byte) []byte {
	out := make([]byte, 0, len(bt.Generation.Prefix)+len(extraNonce1)+len(extraNonce2)+len(bt.Generation.Suffix))
	out = append(out, bt.Generation.Prefix...)
	out = append(out, extraNonce1...)
	out = append(out, extraNonce2...)
	out = append(out, bt.Generation.Suffix...)
	return out
}

// SerializeHeader assembles the 80-byte block header. merkleRootHex,
// nTimeHex, and nonceHex are the Stratum-supplied hex fields from a
// mining.submit; the header's prevHash and bits come from the template
// itself, in their original (non-reversed) RPC order.
func (bt *BlockTemplate) SerializeHeader(merkleRootHex, nTimeHex, nonceHex string) ([]byte, error) {
	nonce, err := decodeFixed(nonceHex, 4)
	if err != nil {
		return nil, errors.Wrap(err, "serializeHeader: nonce")
	}
	bits, err := decodeFixed(bt.Bits, 4)
	if err != nil {
		return nil, errors.Wrap(err, "serializeHeader: bits")
	}
	nTime, err := decodeFixed(nTimeHex, 4)
	if err != nil {
		return nil, errors.Wrap(err, "serializeHeader: nTime")
	}
	merkleRoot, err := decodeFixed(merkleRootHex, 32)
	if err != nil {
		return nil, errors.Wrap(err, "serializeHeader: merkleRoot")
	}

	buf := make([]byte, 0, 80)
	buf = append(buf, nonce...)
	buf = append(buf, bits...)
	buf = append(buf, nTime...)
	buf = append(buf, merkleRoot...)
	buf = append(buf, bt.prevHashRaw...)
	buf = append(buf, byteutil.PackUInt32BE(bt.Version)...)

	return byteutil.ReverseBuffer(buf), nil
}

func decodeFixed(s string, n int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, errors.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

// SerializeBlock assembles the full on-wire block given a serialized
// header and coinbase transaction.
func (bt *BlockTemplate) SerializeBlock(header, coinbaseTx []byte) []byte {
	buf := make([]byte, 0, len(header)+9+len(coinbaseTx)+len(bt.TransactionData)+len(bt.VoteData)+1)
	buf = append(buf, header...)
	buf = append(buf, byteutil.VarIntBuffer(uint64(bt.TxCount+1))...)
	buf = append(buf, coinbaseTx...)
	buf = append(buf, bt.TransactionData...)
	buf = append(buf, bt.VoteData...)
	if bt.rewardTag == RewardPOS {
		buf = append(buf, 0x00)
	}
	return buf
}

// RegisterSubmit fingerprints one submission attempt and reports
// whether it is new. Only the first registration of a given
// (extraNonce1, extraNonce2, nTime, nonce) tuple returns true.
func (bt *BlockTemplate) RegisterSubmit(extraNonce1, extraNonce2, nTime, nonce string) bool {
	key := extraNonce1 + extraNonce2 + nTime + nonce
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if _, exists := bt.submits[key]; exists {
		return false
	}
	bt.submits[key] = struct{}{}
	return true
}

// JobParams returns the cached mining.notify parameter tuple, computing
// it on first call.
func (bt *BlockTemplate) JobParams() []interface{} {
	bt.jobParamsOnce.Do(func() {
		merkleHex := make([]string, len(bt.MerkleBranch))
		for i, h := range bt.MerkleBranch {
			merkleHex[i] = hex.EncodeToString(h)
		}
		bt.jobParams = []interface{}{
			bt.JobID,
			hex.EncodeToString(bt.PrevHashReversed),
			hex.EncodeToString(bt.Generation.Prefix),
			hex.EncodeToString(bt.Generation.Suffix),
			merkleHex,
			hex.EncodeToString(byteutil.PackUInt32BE(bt.Version)),
			bt.Bits,
			hex.EncodeToString(byteutil.PackUInt32BE(bt.CurTime)),
			true,
		}
	})
	return bt.jobParams
}
