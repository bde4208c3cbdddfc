// Package coinbase builds the two halves of a pool's generation
// transaction around the extranonce placeholder, so that
// prefix ‖ extraNonce1 ‖ extraNonce2 ‖ suffix is a complete, valid
// coinbase transaction.
package coinbase

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"

	"github.com/blockforge/stratumpool/internal/byteutil"
)

// Recipient is one additional coinbase output beyond the pool's own
// payout, e.g. a fee split or a masternode/superblock payment. The
// payee script is resolved by the caller; this package only places it.
type Recipient struct {
	Script []byte
	Amount int64
}

// Params carries everything needed to build one job's generation
// transaction halves.
type Params struct {
	ExtraNonce1Size int
	ExtraNonce2Size int

	TxVersion uint32
	LockTime  uint32

	Height           int64
	CoinbaseValue    int64
	CoinbaseAuxFlags []byte

	PoolScript []byte
	Recipients []Recipient

	WitnessCommitment []byte

	Message              string
	MessageSuffixEntropy []byte
	MaxScriptSigLength   int
}

// Halves is the split generation transaction: the full coinbase is
// Prefix ‖ extraNonce1 ‖ extraNonce2 ‖ Suffix.
type Halves struct {
	Prefix []byte
	Suffix []byte
}

var witnessCommitmentHeader = []byte{0xaa, 0x21, 0xa9, 0xed}

// Build assembles the prefix/suffix halves described by p.
func Build(p Params) (Halves, error) {
	if p.ExtraNonce1Size <= 0 || p.ExtraNonce2Size <= 0 {
		return Halves{}, errors.New("coinbase: extranonce sizes must be positive")
	}

	scriptPart1 := buildScriptSigPart1(p)
	scriptPart2 := []byte{} // "the rest of the coinbase script"; no trailing data by default

	placeholderLen := p.ExtraNonce1Size + p.ExtraNonce2Size
	scriptSigLen := len(scriptPart1) + placeholderLen + len(scriptPart2)

	var prefix bytes.Buffer
	prefix.Write(byteutil.PackUInt32LE(p.TxVersion))
	prefix.Write(byteutil.VarIntBuffer(1)) // input count
	prefix.Write(make([]byte, 32))         // prevout hash: 32 zero bytes
	prefix.Write([]byte{0xff, 0xff, 0xff, 0xff})
	prefix.Write(byteutil.VarIntBuffer(uint64(scriptSigLen)))
	prefix.Write(scriptPart1)

	outputs, err := buildOutputs(p)
	if err != nil {
		return Halves{}, err
	}

	var suffix bytes.Buffer
	suffix.Write(scriptPart2)
	suffix.Write([]byte{0xff, 0xff, 0xff, 0xff}) // input sequence
	suffix.Write(byteutil.VarIntBuffer(uint64(len(outputs))))
	for _, o := range outputs {
		suffix.Write(o)
	}
	suffix.Write(byteutil.PackUInt32LE(p.LockTime))

	return Halves{Prefix: prefix.Bytes(), Suffix: suffix.Bytes()}, nil
}

// buildScriptSigPart1 returns everything that precedes the extranonce
// placeholder in the scriptSig: the BIP34 height push, any coin-specific
// coinbaseaux flags, and the clamped pool signature message.
func buildScriptSigPart1(p Params) []byte {
	var buf bytes.Buffer
	buf.Write(serializeNumber(p.Height))
	buf.Write(p.CoinbaseAuxFlags)

	msg := append([]byte(p.Message), p.MessageSuffixEntropy...)
	if p.MaxScriptSigLength > 0 {
		fixedLen := buf.Len() + p.ExtraNonce1Size + p.ExtraNonce2Size
		budget := p.MaxScriptSigLength - fixedLen - pushOverhead(len(msg))
		if budget < 0 {
			budget = 0
		}
		if len(msg) > budget {
			msg = msg[:budget]
		}
	}
	if len(msg) > 0 {
		buf.Write(minimalPush(msg))
	}
	return buf.Bytes()
}

func pushOverhead(dataLen int) int {
	switch {
	case dataLen < txscript.OP_PUSHDATA1:
		return 1
	case dataLen <= 0xff:
		return 2
	case dataLen <= 0xffff:
		return 3
	default:
		return 5
	}
}

func buildOutputs(p Params) ([][]byte, error) {
	var recipientTotal int64
	for _, r := range p.Recipients {
		recipientTotal += r.Amount
	}
	poolAmount := p.CoinbaseValue - recipientTotal
	if poolAmount < 0 {
		return nil, errors.Errorf("coinbase: recipients (%d) exceed coinbase value (%d)", recipientTotal, p.CoinbaseValue)
	}

	outputs := [][]byte{packOutput(poolAmount, p.PoolScript)}
	for _, r := range p.Recipients {
		outputs = append(outputs, packOutput(r.Amount, r.Script))
	}
	if len(p.WitnessCommitment) > 0 {
		script := append([]byte{txscript.OP_RETURN}, minimalPush(append(append([]byte{}, witnessCommitmentHeader...), p.WitnessCommitment...))...)
		outputs = append(outputs, packOutput(0, script))
	}
	return outputs, nil
}

func packOutput(value int64, script []byte) []byte {
	buf := make([]byte, 0, 8+9+len(script))
	buf = append(buf, byteutil.PackInt64LE(value)...)
	buf = append(buf, byteutil.VarIntBuffer(uint64(len(script)))...)
	buf = append(buf, script...)
	return buf
}

// ScriptForAddress resolves a payout address (legacy, P2SH, or any
// witness version) into its scriptPubKey for the given network,
// delegating to btcutil/txscript rather than hand-decoding base58 or
// bech32 ourselves.
func ScriptForAddress(params *chaincfg.Params, address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, errors.Wrapf(err, "coinbase: decode payout address %q", address)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "coinbase: build script for %q", address)
	}
	return script, nil
}

// serializeNumber encodes n as a single minimal script push, the BIP34
// convention for the coinbase height field. Values 1..16 collapse to
// the corresponding OP_1..OP_16 opcode.
func serializeNumber(n int64) []byte {
	if n >= 1 && n <= 16 {
		return []byte{byte(0x50 + n)}
	}
	var le []byte
	v := n
	for v > 0x7f {
		le = append(le, byte(v&0xff))
		v >>= 8
	}
	le = append(le, byte(v))
	return minimalPush(le)
}

// minimalPush wraps data in the shortest valid script push opcode.
func minimalPush(data []byte) []byte {
	n := len(data)
	switch {
	case n < txscript.OP_PUSHDATA1:
		return append([]byte{byte(n)}, data...)
	case n <= 0xff:
		return append([]byte{txscript.OP_PUSHDATA1, byte(n)}, data...)
	case n <= 0xffff:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(n))
		return append(append([]byte{txscript.OP_PUSHDATA2}, b...), data...)
	default:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(n))
		return append(append([]byte{txscript.OP_PUSHDATA4}, b...), data...)
	}
}
