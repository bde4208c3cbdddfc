// Package peer drives the outbound TCP connection to a full node: the
// version/verack handshake, inv dispatch for block-found notification,
// and reconnection with backoff.
package peer

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/blockforge/stratumpool/internal/logging"
	"github.com/blockforge/stratumpool/internal/metrics"
	"github.com/blockforge/stratumpool/internal/peerwire"
)

// Config carries the peer and coin settings this client needs.
type Config struct {
	Host                string
	Port                int
	Magic               uint32
	ProtocolVersion     uint32
	DisableTransactions bool
	UserAgent           string

	// MinBackoff/MaxBackoff bound the reconnect delay. Defaults are
	// 1s and 5m.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Events is the peer's upcall surface: every field is optional and
// invoked from the peer's own goroutine.
type Events struct {
	Connected          func()
	Disconnected       func()
	ConnectionFailed   func()
	ConnectionRejected func()
	SocketError        func(error)
	PeerMessage        func(command string, payload []byte)
	BlockFound         func(hashHex string)
	Error              func(error)
	SentMessage        func(command string)
}

// Peer holds one outbound node connection and its handshake state.
type Peer struct {
	cfg    Config
	events Events

	mu                    sync.Mutex
	verack                bool
	validConnectionConfig bool
}

// New constructs a Peer that has not yet connected.
func New(cfg Config, events Events) *Peer {
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "/stratumpool:0.1.0/"
	}
	return &Peer{cfg: cfg, events: events, validConnectionConfig: true}
}

// Run connects and services the peer connection until stopCh closes,
// reconnecting with exponential backoff between attempts.
func (p *Peer) Run(stopCh <-chan struct{}) {
	backoff := p.cfg.MinBackoff
	first := true
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if !p.isValidConfig() {
			return
		}

		if !first {
			metrics.PeerReconnects.Inc()
		}
		first = false

		err := p.connectAndServe(stopCh)
		if err == nil {
			backoff = p.cfg.MinBackoff
		} else {
			p.emitError(err)
		}

		select {
		case <-stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
}

func (p *Peer) isValidConfig() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validConnectionConfig
}

// connectAndServe dials once, handshakes, and then services the
// connection until it closes or stopCh fires.
func (p *Peer) connectAndServe(stopCh <-chan struct{}) error {
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		if isConnRefused(err) {
			p.mu.Lock()
			p.validConnectionConfig = false
			p.mu.Unlock()
			p.emitConnectionFailed()
			return err
		}
		p.emitSocketError(err)
		return err
	}
	defer conn.Close()

	p.mu.Lock()
	p.verack = false
	p.mu.Unlock()

	if err := p.sendVersion(conn); err != nil {
		return errors.Wrap(err, "peer: send version")
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-stopCh:
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	fr := peerwire.NewFrameReader(conn, p.cfg.Magic)
	fr.OnBadMagic = func(err error) { p.emitError(err) }
	fr.OnBadChecksum = func(err error) { p.emitError(err) }

	for {
		command, payload, err := fr.Next()
		if err != nil {
			p.mu.Lock()
			wasHandshaked := p.verack
			p.mu.Unlock()
			if wasHandshaked {
				p.emitDisconnected()
			} else if p.isValidConfig() {
				p.emitConnectionRejected()
			}
			return err
		}

		if p.events.PeerMessage != nil {
			p.events.PeerMessage(command, payload)
		}

		switch command {
		case "verack":
			p.mu.Lock()
			first := !p.verack
			p.verack = true
			p.mu.Unlock()
			if first {
				p.emitConnected()
			}
		case "inv":
			var inv peerwire.MsgInv
			if err := inv.Decode(payload); err != nil {
				p.emitError(err)
				continue
			}
			for _, v := range inv.Vectors {
				if v.Type == peerwire.InvTypeBlock && p.events.BlockFound != nil {
					p.events.BlockFound(v.Hash.String())
				}
			}
		}
	}
}

func (p *Peer) sendVersion(conn net.Conn) error {
	nonce, err := randomUint64()
	if err != nil {
		return err
	}
	v := &peerwire.MsgVersion{
		Version:        p.cfg.ProtocolVersion,
		Services:       1,
		Timestamp:      time.Now().Unix(),
		AddrRecv:       peerwire.NetAddr{Services: 1, IP: remoteIP(conn), Port: uint16(p.cfg.Port)},
		AddrFrom:       peerwire.NetAddr{Services: 1, IP: localIP(conn), Port: uint16(p.cfg.Port)},
		Nonce:          nonce,
		UserAgent:      p.cfg.UserAgent,
		StartHeight:    0,
		RelayTxPresent: p.cfg.DisableTransactions,
	}
	frame, err := peerwire.EncodeMessage(p.cfg.Magic, v)
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return err
	}
	if p.events.SentMessage != nil {
		p.events.SentMessage(v.Command())
	}
	return nil
}

func randomUint64() (uint64, error) {
	max := new(big.Int).SetUint64(^uint64(0))
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func remoteIP(conn net.Conn) net.IP {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP
	}
	return net.IPv4zero
}

func localIP(conn net.Conn) net.IP {
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return tcp.IP
	}
	return net.IPv4zero
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func (p *Peer) emitConnected() {
	if p.events.Connected != nil {
		p.events.Connected()
	}
}
func (p *Peer) emitDisconnected() {
	if p.events.Disconnected != nil {
		p.events.Disconnected()
	}
}
func (p *Peer) emitConnectionFailed() {
	if p.events.ConnectionFailed != nil {
		p.events.ConnectionFailed()
	}
}
func (p *Peer) emitConnectionRejected() {
	if p.events.ConnectionRejected != nil {
		p.events.ConnectionRejected()
	}
}
func (p *Peer) emitSocketError(err error) {
	if p.events.SocketError != nil {
		p.events.SocketError(err)
	}
}
func (p *Peer) emitError(err error) {
	logging.Debugf("peer: %v", err)
	if p.events.Error != nil {
		p.events.Error(err)
	}
}
