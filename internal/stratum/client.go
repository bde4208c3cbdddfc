// Package stratum implements the per-connection Stratum v1 session
// machine and the server that accepts, tracks, and bans miners.
package stratum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/blockforge/stratumpool/internal/logging"
)

// maxLineBufferBytes is the flood guard: a session that accumulates
// more than this many bytes without a newline is destroyed.
const maxLineBufferBytes = 10240

// AuthResult is the injected authorizer's verdict.
type AuthResult struct {
	Authorized bool
	Error      interface{}
	Disconnect bool
}

// Share is what a mining.submit carries through to the host.
type Share struct {
	WorkerName  string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// SubmitAck is the host's verdict on a Share.
type SubmitAck struct {
	Error    interface{}
	Accepted bool
}

// BanningConfig controls invalid-share banning.
type BanningConfig struct {
	Enabled        bool
	Time           time.Duration
	PurgeEvery     time.Duration
	CheckThreshold int
	InvalidPercent float64
}

// PurgeInterval returns how often the server should sweep expired
// bans, defaulting to a minute when unset.
func (b BanningConfig) PurgeInterval() time.Duration {
	if b.PurgeEvery <= 0 {
		return time.Minute
	}
	return b.PurgeEvery
}

// Host is the upcall surface a Client invokes into its owning server.
// A session holds no reference back to the server itself, only this
// narrow interface.
type Host interface {
	CheckBan(c *Client)
	ClientConnected(c *Client)
	ClientDisconnected(c *Client)
	Subscribe(c *Client) (extraNonce1 string, extraNonce2Size int, err interface{})
	Authorize(c *Client, worker, password string) AuthResult
	Submit(c *Client, share Share) SubmitAck
	TriggerBan(c *Client)
}

// Client is one connected miner's session state.
type Client struct {
	conn              net.Conn
	host              Host
	banning           BanningConfig
	tcpProxyProtocol  bool
	connectionTimeout time.Duration

	SubscriptionID  string
	RemoteAddress   string
	LocalPort       int
	ExtraNonce1     string
	ExtraNonce2Size int

	// VersionMask is a supplemented field: when non-zero, a
	// mining.configure negotiation for "version-rolling" advertises it.
	VersionMask uint32

	mu                 sync.Mutex
	authorized         bool
	workerName         string
	difficulty         float64
	previousDifficulty float64
	pendingDifficulty  *float64
	validShares        int
	invalidShares      int
	lastActivity       time.Time

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps conn in a session. host must be non-nil.
func NewClient(conn net.Conn, subscriptionID string, host Host, banning BanningConfig, tcpProxyProtocol bool, connectionTimeout time.Duration) *Client {
	localPort := 0
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		localPort = tcp.Port
	}
	return &Client{
		conn:              conn,
		host:              host,
		banning:           banning,
		tcpProxyProtocol:  tcpProxyProtocol,
		connectionTimeout: connectionTimeout,
		SubscriptionID:    subscriptionID,
		RemoteAddress:     remoteHost(conn),
		LocalPort:         localPort,
		lastActivity:      time.Now(),
		closed:            make(chan struct{}),
	}
}

func remoteHost(conn net.Conn) string {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return conn.RemoteAddr().String()
}

// Authorized reports whether mining.authorize has succeeded.
func (c *Client) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

// WorkerName returns the name given at mining.authorize.
func (c *Client) WorkerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerName
}

// Difficulty returns the session's current share difficulty.
func (c *Client) Difficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.difficulty
}

// Closed reports whether the session has been torn down.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Close tears down the socket exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Serve runs the session's read loop until the socket closes. It
// blocks; call it from its own goroutine.
func (c *Client) Serve() {
	defer c.Close()
	defer c.host.ClientDisconnected(c)
	c.host.ClientConnected(c)

	var buf []byte
	firstChunk := true

	for {
		if c.connectionTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.connectionTimeout))
		}
		chunk := make([]byte, 4096)
		n, err := c.conn.Read(chunk)
		if err != nil {
			return
		}
		data := chunk[:n]

		if firstChunk {
			firstChunk = false
			data = c.handleFirstChunk(data)
			if data == nil {
				continue
			}
		}

		buf = append(buf, data...)
		for {
			idx := bytes.IndexByte(buf, '\n')
			if idx < 0 {
				break
			}
			line := buf[:idx]
			buf = buf[idx+1:]
			c.handleLine(line)
		}
		if len(buf) > maxLineBufferBytes {
			logging.Warnf("stratum: %s flooded the socket, destroying", c.RemoteAddress)
			return
		}
	}
}

// handleFirstChunk strips an haproxy PROXY header off the first bytes
// of a connection when proxy mode is on, returning the bytes that
// should still be fed to the line parser (nil if the whole chunk was
// consumed or must be dropped).
func (c *Client) handleFirstChunk(data []byte) []byte {
	looksLikeProxy := bytes.HasPrefix(data, []byte("PROXY"))

	if c.tcpProxyProtocol {
		if looksLikeProxy {
			line := data
			rest := []byte(nil)
			if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
				line = data[:idx]
				rest = data[idx+1:]
			}
			fields := strings.Fields(string(line))
			if len(fields) >= 3 {
				c.RemoteAddress = fields[2]
			}
			c.host.CheckBan(c)
			return rest
		}
		logging.Warnf("stratum: tcp proxy protocol enabled but %s did not send a PROXY header", c.RemoteAddress)
		c.host.CheckBan(c)
		return data
	}

	if looksLikeProxy {
		// PROXY header with proxy mode off: drop silently.
		c.host.CheckBan(c)
		return nil
	}
	c.host.CheckBan(c)
	return data
}

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (c *Client) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		logging.Warnf("stratum: malformed message from %s: %v", c.RemoteAddress, err)
		c.Close()
		return
	}
	c.touch()

	switch req.Method {
	case "mining.subscribe":
		c.handleSubscribe(req)
	case "mining.authorize":
		c.handleAuthorize(req)
	case "mining.submit":
		c.handleSubmit(req)
	case "mining.get_transactions":
		c.writeResult(req.ID, []interface{}{}, true)
	case "mining.configure":
		c.handleConfigure(req)
	default:
		logging.Debugf("stratum: unknown method %q from %s", req.Method, c.RemoteAddress)
	}
}

func (c *Client) handleSubscribe(req request) {
	extraNonce1, extraNonce2Size, errResult := c.host.Subscribe(c)
	if errResult != nil {
		c.writeError(req.ID, errResult)
		return
	}
	c.ExtraNonce1 = extraNonce1
	c.ExtraNonce2Size = extraNonce2Size

	result := []interface{}{
		[]interface{}{
			[]interface{}{"mining.set_difficulty", c.SubscriptionID},
			[]interface{}{"mining.notify", c.SubscriptionID},
		},
		extraNonce1,
		extraNonce2Size,
	}
	c.writeResult(req.ID, result, nil)
}

func (c *Client) handleAuthorize(req request) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 2 {
		c.writeError(req.ID, []interface{}{20, "invalid params", nil})
		return
	}
	worker, password := params[0], params[1]
	result := c.host.Authorize(c, worker, password)

	c.mu.Lock()
	if result.Authorized {
		c.authorized = true
		c.workerName = worker
	}
	c.mu.Unlock()

	c.writeResult(req.ID, result.Authorized, result.Error)
	if result.Disconnect {
		c.Close()
	}
}

func (c *Client) handleSubmit(req request) {
	if !c.Authorized() {
		c.writeError(req.ID, []interface{}{24, "unauthorized worker", nil})
		c.recordShare(false)
		return
	}
	if c.ExtraNonce1 == "" {
		c.writeError(req.ID, []interface{}{25, "not subscribed", nil})
		c.recordShare(false)
		return
	}
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 5 {
		c.writeError(req.ID, []interface{}{20, "bad params", nil})
		c.recordShare(false)
		return
	}
	c.touch()

	share := Share{
		WorkerName:  params[0],
		JobID:       params[1],
		ExtraNonce2: params[2],
		NTime:       params[3],
		Nonce:       params[4],
	}
	ack := c.host.Submit(c, share)

	if c.recordShare(ack.Accepted) {
		return // banned mid-call, reply is skipped
	}
	c.writeResult(req.ID, ack.Accepted, ack.Error)
}

func (c *Client) handleConfigure(req request) {
	var args []json.RawMessage
	if err := json.Unmarshal(req.Params, &args); err != nil || len(args) < 1 {
		c.writeResult(req.ID, map[string]interface{}{}, nil)
		return
	}
	var extensions []string
	_ = json.Unmarshal(args[0], &extensions)

	result := map[string]interface{}{}
	for _, ext := range extensions {
		if ext == "version-rolling" && c.VersionMask != 0 {
			result["version-rolling"] = true
			result["version-rolling.mask"] = fmt.Sprintf("%08x", c.VersionMask)
			continue
		}
		result[ext] = false
	}
	c.writeResult(req.ID, result, nil)
}

// recordShare applies ban accounting when banning is enabled,
// returning true if this call triggered a ban and destroyed the
// socket.
func (c *Client) recordShare(valid bool) bool {
	if !c.banning.Enabled {
		return false
	}
	c.mu.Lock()
	if valid {
		c.validShares++
	} else {
		c.invalidShares++
	}
	total := c.validShares + c.invalidShares
	if total < c.banning.CheckThreshold {
		c.mu.Unlock()
		return false
	}
	invalidPercent := float64(c.invalidShares) / float64(total) * 100
	if invalidPercent < c.banning.InvalidPercent {
		c.validShares, c.invalidShares = 0, 0
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	c.host.TriggerBan(c)
	c.Close()
	return true
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the timestamp of the most recent well-formed
// JSON message (or the connection, before any) on this session.
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// EnqueueNextDifficulty stages a difficulty to be flushed before the
// next mining.notify, without sending anything yet.
func (c *Client) EnqueueNextDifficulty(d float64) {
	c.mu.Lock()
	c.pendingDifficulty = &d
	c.mu.Unlock()
}

// SendDifficulty sends mining.set_difficulty, unless d already equals
// the session's current difficulty.
func (c *Client) SendDifficulty(d float64) {
	c.mu.Lock()
	if d == c.difficulty {
		c.mu.Unlock()
		return
	}
	c.previousDifficulty = c.difficulty
	c.difficulty = d
	c.mu.Unlock()
	c.writeNotification("mining.set_difficulty", []interface{}{d})
}

// SendMiningJob flushes any pending difficulty and then sends
// mining.notify with the job parameter tuple.
func (c *Client) SendMiningJob(params []interface{}) {
	c.mu.Lock()
	pending := c.pendingDifficulty
	c.pendingDifficulty = nil
	c.mu.Unlock()

	if pending != nil {
		c.SendDifficulty(*pending)
	}
	c.writeNotification("mining.notify", params)
}

type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result"`
	Error  interface{}     `json:"error"`
}

type wireNotification struct {
	ID     *int        `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

func (c *Client) writeResult(id json.RawMessage, result interface{}, errVal interface{}) {
	c.writeJSON(wireMessage{ID: id, Result: result, Error: errVal})
}

func (c *Client) writeError(id json.RawMessage, errVal interface{}) {
	c.writeJSON(wireMessage{ID: id, Result: nil, Error: errVal})
}

func (c *Client) writeNotification(method string, params interface{}) {
	c.writeJSON(wireNotification{ID: nil, Method: method, Params: params})
}

func (c *Client) writeJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		logging.Errorf("stratum: marshal outgoing message for %s: %v", c.RemoteAddress, err)
		return
	}
	b = append(b, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(b); err != nil {
		logging.Debugf("stratum: write to %s failed: %v", c.RemoteAddress, errors.Wrap(err, "write"))
	}
}
