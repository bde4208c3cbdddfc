package merkle

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockforge/stratumpool/internal/byteutil"
)

func h(b byte) []byte {
	buf := make([]byte, 32)
	buf[0] = b
	return buf
}

func TestStepsEmptyWhenCoinbaseIsTheOnlyTransaction(t *testing.T) {
	require.Empty(t, Steps(nil))
}

func TestStepsSingleSiblingForTwoTransactions(t *testing.T) {
	h1 := h(1)
	steps := Steps([][]byte{h1})
	require.Len(t, steps, 1)
	require.True(t, bytes.Equal(steps[0], h1))
}

func TestStepsForThreeTransactions(t *testing.T) {
	h1, h2, h3 := h(1), h(2), h(3)
	steps := Steps([][]byte{h1, h2, h3})

	want := byteutil.Sha256d(append(append([]byte{}, h2...), h3...))
	require.Len(t, steps, 2)
	require.True(t, bytes.Equal(steps[0], h1))
	require.True(t, bytes.Equal(steps[1], want))
}

func TestRootRecoversMerkleRootFromSteps(t *testing.T) {
	coinbaseHash := h(9)
	h1, h2, h3 := h(1), h(2), h(3)
	steps := Steps([][]byte{h1, h2, h3})

	root := Root(coinbaseHash, steps)

	level := [][]byte{coinbaseHash, h1, h2, h3}
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			next = append(next, byteutil.Sha256d(append(append([]byte{}, level[i]...), level[i+1]...)))
		}
		level = next
	}
	require.Equal(t, level[0], root)
}
