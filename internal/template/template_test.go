package template

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockforge/stratumpool/internal/byteutil"
)

func sampleRpcData() RpcData {
	return RpcData{
		PreviousBlockHash: strings.Repeat("00", 31) + "01",
		Bits:              "1d00ffff",
		CurTime:           0x5f000000,
		Version:           0x20000000,
		Height:            650000,
		CoinbaseValue:     5000000000,
	}
}

func baseOptions() Options {
	return Options{
		ExtraNonce1Size: 4,
		ExtraNonce2Size: 4,
		TxVersion:       1,
		PoolScript:      []byte{0x51},
	}
}

func TestNewComputesPositiveTargetAndDifficulty(t *testing.T) {
	bt, err := New("job1", sampleRpcData(), baseOptions())
	require.NoError(t, err)
	require.Equal(t, 1, bt.Target.Sign())
	require.Greater(t, bt.Difficulty, 0.0)
}

func TestHeaderLayoutRoundTrips(t *testing.T) {
	rpc := sampleRpcData()
	bt, err := New("job1", rpc, baseOptions())
	require.NoError(t, err)

	merkleRoot := strings.Repeat("00", 31) + "02"
	nTime := "5f000000"
	nonce := "00000000"

	header, err := bt.SerializeHeader(merkleRoot, nTime, nonce)
	require.NoError(t, err)
	require.Len(t, header, 80)

	// The header is assembled field-reversed and then byte-reversed as a
	// whole, so on the wire: version lands little-endian, and the hash,
	// nTime, bits, and nonce fields land fully byte-reversed from their
	// hex inputs.
	require.Equal(t, byteutil.PackUInt32LE(rpc.Version), header[0:4])

	prevHash, _ := hex.DecodeString(rpc.PreviousBlockHash)
	require.Equal(t, byteutil.ReverseBuffer(prevHash), header[4:36])

	mr, _ := hex.DecodeString(merkleRoot)
	require.Equal(t, byteutil.ReverseBuffer(mr), header[36:68])

	nTimeRaw, _ := hex.DecodeString(nTime)
	require.Equal(t, byteutil.ReverseBuffer(nTimeRaw), header[68:72])

	bits, _ := hex.DecodeString(rpc.Bits)
	require.Equal(t, byteutil.ReverseBuffer(bits), header[72:76])

	nonceRaw, _ := hex.DecodeString(nonce)
	require.Equal(t, byteutil.ReverseBuffer(nonceRaw), header[76:80])
}

func TestSerializeBlockTxCount(t *testing.T) {
	rpc := sampleRpcData()
	rpc.Transactions = []Transaction{
		{Data: "aa", TxID: strings.Repeat("11", 32)},
		{Data: "bb", TxID: strings.Repeat("22", 32)},
	}
	bt, err := New("job1", rpc, baseOptions())
	require.NoError(t, err)

	header := make([]byte, 80)
	coinbase := []byte{0x01}
	block := bt.SerializeBlock(header, coinbase)
	require.Equal(t, byte(0x03), block[80]) // varint(2 txs + 1 coinbase) = 3
}

func TestRegisterSubmitOnlyOnceTrue(t *testing.T) {
	bt, err := New("job1", sampleRpcData(), baseOptions())
	require.NoError(t, err)

	require.True(t, bt.RegisterSubmit("e1", "e2", "nt", "nonce"))
	require.False(t, bt.RegisterSubmit("e1", "e2", "nt", "nonce"))
	require.True(t, bt.RegisterSubmit("e1", "e2", "nt", "other-nonce"))
}

func TestJobParamsIsCached(t *testing.T) {
	bt, err := New("job1", sampleRpcData(), baseOptions())
	require.NoError(t, err)

	first := bt.JobParams()
	second := bt.JobParams()
	require.Equal(t, first, second)
	require.Equal(t, "job1", first[0])
	require.Equal(t, true, first[8])
}

func TestRewardMNRequiresVotes(t *testing.T) {
	opts := baseOptions()
	opts.RewardTag = RewardMN
	_, err := New("job1", sampleRpcData(), opts)
	require.Error(t, err)

	rpc := sampleRpcData()
	rpc.MasternodePayments = &MasternodePayments{Votes: []string{"aa"}}
	bt, err := New("job1", rpc, opts)
	require.NoError(t, err)
	require.NotEmpty(t, bt.VoteData)
}

func TestMerkleBranchLengthForThreeTransactions(t *testing.T) {
	rpc := sampleRpcData()
	rpc.Transactions = []Transaction{
		{Data: "aa", TxID: strings.Repeat("11", 32)},
		{Data: "bb", TxID: strings.Repeat("22", 32)},
		{Data: "cc", TxID: strings.Repeat("33", 32)},
	}
	bt, err := New("job1", rpc, baseOptions())
	require.NoError(t, err)
	require.Len(t, bt.MerkleBranch, 2)
}
