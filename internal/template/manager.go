package template

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/remeh/sizedwaitgroup"

	"github.com/blockforge/stratumpool/internal/byteutil"
	"github.com/blockforge/stratumpool/internal/logging"
	"github.com/blockforge/stratumpool/internal/merkle"
	"github.com/blockforge/stratumpool/internal/metrics"
	"github.com/blockforge/stratumpool/internal/rpc"
	"github.com/blockforge/stratumpool/internal/stratum"
)

// rawGetBlockTemplate is what a getblocktemplate RPC call returns;
// field names follow Bitcoin Core's JSON-RPC convention, not Go's, so
// this decodes into an intermediate shape before becoming an RpcData.
type rawGetBlockTemplate struct {
	PreviousBlockHash string `json:"previousblockhash"`
	Bits              string `json:"bits"`
	CurTime           uint32 `json:"curtime"`
	Version           uint32 `json:"version"`
	Target            string `json:"target"`
	Height            int64  `json:"height"`
	CoinbaseValue     int64  `json:"coinbasevalue"`
	CoinbaseAux       struct {
		Flags string `json:"flags"`
	} `json:"coinbaseaux"`
	Transactions []struct {
		Data string `json:"data"`
		TxID string `json:"txid"`
		Hash string `json:"hash"`
	} `json:"transactions"`
	MasternodePayments bool     `json:"masternode_payments_started"`
	Votes              []string `json:"votes"`
}

func decodeRpcData(raw json.RawMessage) (RpcData, error) {
	var g rawGetBlockTemplate
	if err := json.Unmarshal(raw, &g); err != nil {
		return RpcData{}, errors.Wrap(err, "template: decode getblocktemplate result")
	}

	rpcData := RpcData{
		PreviousBlockHash: g.PreviousBlockHash,
		Bits:              g.Bits,
		CurTime:           g.CurTime,
		Version:           g.Version,
		Target:            g.Target,
		Height:            g.Height,
		CoinbaseValue:     g.CoinbaseValue,
		CoinbaseAuxFlags:  g.CoinbaseAux.Flags,
	}
	for _, tx := range g.Transactions {
		rpcData.Transactions = append(rpcData.Transactions, Transaction{Data: tx.Data, TxID: tx.TxID, Hash: tx.Hash})
	}
	if g.MasternodePayments && len(g.Votes) > 0 {
		rpcData.MasternodePayments = &MasternodePayments{Votes: g.Votes}
	}
	return rpcData, nil
}

// Manager polls a full node for fresh work, builds BlockTemplates from
// it, and validates miner submissions against the current one.
type Manager struct {
	rpc   *rpc.Client
	opts  Options
	rules []string

	onNewJob func(params []interface{})

	mu      sync.RWMutex
	current *BlockTemplate

	// validate bounds concurrent share validation: sha256d hashing is
	// cheap per-share, but a flood of mining.submit calls under a
	// banning-disabled misconfiguration shouldn't be allowed to spawn
	// unbounded goroutines.
	validate sizedwaitgroup.SizedWaitGroup
}

// NewManager constructs a Manager. concurrency bounds how many shares
// may be validated at once; 0 defaults to 32.
func NewManager(rpcClient *rpc.Client, opts Options, rules []string, concurrency int, onNewJob func(params []interface{})) *Manager {
	if concurrency <= 0 {
		concurrency = 32
	}
	return &Manager{
		rpc:      rpcClient,
		opts:     opts,
		rules:    rules,
		onNewJob: onNewJob,
		validate: sizedwaitgroup.New(concurrency),
	}
}

// Current returns the most recently built template, or nil before the
// first successful poll.
func (m *Manager) Current() *BlockTemplate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Refresh polls getblocktemplate once, builds a new BlockTemplate with
// a fresh UUID job ID, installs it as current, and notifies onNewJob.
func (m *Manager) Refresh() error {
	start := time.Now()
	raw, err := m.rpc.GetBlockTemplate(m.rules)
	if err != nil {
		return errors.Wrap(err, "template manager: getblocktemplate")
	}
	rpcData, err := decodeRpcData(raw)
	if err != nil {
		return err
	}

	bt, err := New(uuid.NewString(), rpcData, m.opts)
	if err != nil {
		return errors.Wrap(err, "template manager: build template")
	}
	metrics.TemplateBuildSeconds.Observe(time.Since(start).Seconds())

	m.mu.Lock()
	m.current = bt
	m.mu.Unlock()

	if m.onNewJob != nil {
		m.onNewJob(bt.JobParams())
	}
	return nil
}

// Poll calls Refresh every interval until ctx is cancelled.
func (m *Manager) Poll(ctx context.Context, interval time.Duration) error {
	if err := m.Refresh(); err != nil {
		logging.Warnf("template manager: initial refresh failed: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Refresh(); err != nil {
				logging.Warnf("template manager: refresh failed: %v", err)
			}
		}
	}
}

// Errors a ShareHandler may return, as (code, message, data) triples.
var (
	errStaleJob  = []interface{}{21, "job not found", nil}
	errDuplicate = []interface{}{22, "duplicate share", nil}
	errLowDiff   = []interface{}{23, "low difficulty share", nil}
	errMalformed = []interface{}{20, "malformed submission", nil}
)

// Submit implements stratum.ShareHandler: it recomputes the header
// hash for a submission, rejects stale jobs/duplicates/low-difficulty
// shares, and forwards block-worthy hashes to the node via submitblock.
func (m *Manager) Submit(c *stratum.Client, share stratum.Share) stratum.SubmitAck {
	m.validate.Add()
	defer m.validate.Done()

	bt := m.Current()
	if bt == nil || bt.JobID != share.JobID {
		return stratum.SubmitAck{Accepted: false, Error: errStaleJob}
	}
	if !bt.RegisterSubmit(c.ExtraNonce1, share.ExtraNonce2, share.NTime, share.Nonce) {
		return stratum.SubmitAck{Accepted: false, Error: errDuplicate}
	}

	extraNonce1, err := hex.DecodeString(c.ExtraNonce1)
	if err != nil {
		return stratum.SubmitAck{Accepted: false, Error: errMalformed}
	}
	extraNonce2, err := hex.DecodeString(share.ExtraNonce2)
	if err != nil {
		return stratum.SubmitAck{Accepted: false, Error: errMalformed}
	}

	coinbaseTx := bt.SerializeCoinbase(extraNonce1, extraNonce2)
	coinbaseHash := byteutil.Sha256d(coinbaseTx)
	merkleRoot := merkle.Root(coinbaseHash, bt.MerkleBranch)

	// SerializeHeader byte-reverses every field, so the root goes in
	// reversed to land in the header in its hashed order.
	header, err := bt.SerializeHeader(hex.EncodeToString(byteutil.ReverseBuffer(merkleRoot)), share.NTime, share.Nonce)
	if err != nil {
		return stratum.SubmitAck{Accepted: false, Error: errMalformed}
	}

	hash := byteutil.ReverseBuffer(byteutil.Sha256d(header))
	hashInt := new(big.Int).SetBytes(hash)

	shareDifficulty := c.Difficulty()
	if shareDifficulty > 0 {
		// Fractional difficulties are legal on low-power ports, so the
		// share target is computed in big.Float before truncating.
		shareTarget, _ := new(big.Float).Quo(
			new(big.Float).SetInt(Diff1SHA256D),
			big.NewFloat(shareDifficulty),
		).Int(nil)
		if hashInt.Cmp(shareTarget) > 0 {
			return stratum.SubmitAck{Accepted: false, Error: errLowDiff}
		}
	}

	if hashInt.Cmp(bt.Target) <= 0 {
		m.submitBlock(bt, header, coinbaseTx)
	}
	return stratum.SubmitAck{Accepted: true}
}

func (m *Manager) submitBlock(bt *BlockTemplate, header, coinbaseTx []byte) {
	blockHex := hex.EncodeToString(bt.SerializeBlock(header, coinbaseTx))
	reason, err := m.rpc.SubmitBlock(blockHex)
	if err != nil {
		logging.Errorf("template manager: submitblock for job %s failed: %v", bt.JobID, err)
		return
	}
	if reason != "" {
		logging.Warnf("template manager: node rejected block for job %s: %s", bt.JobID, reason)
		return
	}
	metrics.BlocksFound.Inc()
	logging.Successf("template manager: block found at height %d (job %s)", bt.Height, bt.JobID)
}
