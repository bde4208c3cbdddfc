package stratum

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/blockforge/stratumpool/internal/byteutil"
	"github.com/blockforge/stratumpool/internal/logging"
	"github.com/blockforge/stratumpool/internal/metrics"
)

// defaultExtraNonce2Size is the worker-rolled nonce width the server
// tells every session to use in mining.submit.
const defaultExtraNonce2Size = 4

// Authorizer validates mining.authorize credentials, given the
// session's remote address and the local port it connected to.
// Implementations are free to block on I/O; each session runs on its
// own goroutine.
type Authorizer func(remoteAddr string, localPort int, worker, password string) AuthResult

// ShareHandler validates a mining.submit share against the active
// template and returns whether it was accepted.
type ShareHandler func(c *Client, share Share) SubmitAck

// PortConfig binds a listening port to the difficulty sessions on it
// start at.
type PortConfig struct {
	Port       int
	Difficulty float64
}

func (pcs portList) difficultyFor(port int) (float64, bool) {
	for _, pc := range pcs {
		if pc.Port == port {
			return pc.Difficulty, true
		}
	}
	return 0, false
}

type portList []PortConfig

// ServerConfig groups the server-level knobs.
type ServerConfig struct {
	Ports                 []PortConfig
	Banning               BanningConfig
	ConnectionTimeout     time.Duration
	TCPProxyProtocol      bool
	JobRebroadcastTimeout time.Duration
	ExtraNonce1Size       int
	VersionMask           uint32
}

// Server accepts miner connections across every configured port,
// tracks sessions, and fans out new work.
type Server struct {
	cfg       ServerConfig
	authorize Authorizer
	submit    ShareHandler

	subscriptionCounter uint64
	extraNonceCounter   uint64

	mu      sync.Mutex
	clients map[string]*Client

	banMu     sync.Mutex
	bannedIPs map[string]time.Time

	jobMu      sync.Mutex
	currentJob []interface{}
	lastJobAt  time.Time
}

// NewServer constructs a Server. authorize and submit may be nil, in
// which case every worker is authorized and every share is rejected,
// which is useful for smoke-testing transport alone.
func NewServer(cfg ServerConfig, authorize Authorizer, submit ShareHandler) *Server {
	return &Server{
		cfg:       cfg,
		authorize: authorize,
		submit:    submit,
		clients:   make(map[string]*Client),
		bannedIPs: make(map[string]time.Time),
	}
}

// ListenAndServe runs one accept loop per configured port plus the ban
// sweep and job rebroadcast timers, until ctx is cancelled or a
// listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if len(s.cfg.Ports) == 0 {
		return errors.New("stratum: no ports configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, pc := range s.cfg.Ports {
		pc := pc
		g.Go(func() error { return s.servePort(ctx, pc) })
	}
	g.Go(func() error { s.runBanSweep(ctx); return nil })
	g.Go(func() error { s.runRebroadcast(ctx); return nil })
	return g.Wait()
}

func (s *Server) servePort(ctx context.Context, pc PortConfig) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", pc.Port))
	if err != nil {
		return errors.Wrapf(err, "stratum: listen on port %d", pc.Port)
	}
	logging.Infof("stratum: listening on :%d (difficulty %v)", pc.Port, pc.Difficulty)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "stratum: accept")
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	ip := remoteHost(conn)
	if left, banned := s.banTimeLeft(ip); banned {
		logging.Warnf("stratum: kicked banned ip %s (%v left on ban)", ip, left.Round(time.Second))
		conn.Close()
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
	}
	id := s.nextSubscriptionID()
	c := NewClient(conn, id, s, s.cfg.Banning, s.cfg.TCPProxyProtocol, s.cfg.ConnectionTimeout)
	c.Serve()
}

func (s *Server) nextSubscriptionID() string {
	n := atomic.AddUint64(&s.subscriptionCounter, 1)
	return "deadbeefcafebabe" + hex.EncodeToString(byteutil.PackUInt64LE(n))
}

// CheckBan implements Host: called right after a session's first byte
// arrives, when its remote address is first known reliably.
func (s *Server) CheckBan(c *Client) {
	if s.isBanned(c.RemoteAddress) {
		c.Close()
	}
}

// ClientConnected implements Host.
func (s *Server) ClientConnected(c *Client) {
	s.mu.Lock()
	s.clients[c.SubscriptionID] = c
	s.mu.Unlock()
	metrics.ActiveSessions.Inc()

	if diff, ok := portList(s.cfg.Ports).difficultyFor(c.LocalPort); ok {
		c.EnqueueNextDifficulty(diff)
	}

	s.jobMu.Lock()
	job := s.currentJob
	s.jobMu.Unlock()
	if job != nil {
		c.SendMiningJob(job)
	}
}

// ClientDisconnected implements Host.
func (s *Server) ClientDisconnected(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.SubscriptionID)
	s.mu.Unlock()
	metrics.ActiveSessions.Dec()
}

// Subscribe implements Host, handing out a fresh extraNonce1 per
// session.
func (s *Server) Subscribe(c *Client) (string, int, interface{}) {
	n := atomic.AddUint64(&s.extraNonceCounter, 1)
	size := s.cfg.ExtraNonce1Size
	if size <= 0 || size > 8 {
		size = 4
	}
	full := hex.EncodeToString(byteutil.PackUInt64LE(n))
	full = full[:2*size]
	c.VersionMask = s.cfg.VersionMask
	return full, defaultExtraNonce2Size, nil
}

// Authorize implements Host, delegating to the injected Authorizer.
func (s *Server) Authorize(c *Client, worker, password string) AuthResult {
	if s.authorize == nil {
		return AuthResult{Authorized: true}
	}
	return s.authorize(c.RemoteAddress, c.LocalPort, worker, password)
}

// Submit implements Host, delegating to the injected ShareHandler.
func (s *Server) Submit(c *Client, share Share) SubmitAck {
	worker := c.WorkerName()
	if s.submit == nil {
		metrics.SharesRejected.WithLabelValues(worker, "no-handler").Inc()
		return SubmitAck{Accepted: false, Error: []interface{}{20, "no share handler configured", nil}}
	}
	ack := s.submit(c, share)
	if ack.Accepted {
		metrics.SharesAccepted.WithLabelValues(worker).Inc()
	} else {
		metrics.SharesRejected.WithLabelValues(worker, "invalid").Inc()
	}
	return ack
}

// TriggerBan implements Host.
func (s *Server) TriggerBan(c *Client) {
	s.banMu.Lock()
	s.bannedIPs[c.RemoteAddress] = time.Now().Add(s.cfg.Banning.Time)
	s.banMu.Unlock()
	metrics.BansIssued.Inc()
	logging.Warnf("stratum: banned %s for %v", c.RemoteAddress, s.cfg.Banning.Time)
}

func (s *Server) isBanned(ip string) bool {
	_, banned := s.banTimeLeft(ip)
	return banned
}

func (s *Server) banTimeLeft(ip string) (time.Duration, bool) {
	s.banMu.Lock()
	defer s.banMu.Unlock()
	until, ok := s.bannedIPs[ip]
	if !ok {
		return 0, false
	}
	left := time.Until(until)
	if left <= 0 {
		delete(s.bannedIPs, ip)
		logging.Infof("stratum: forgave expired ban on %s", ip)
		return 0, false
	}
	return left, true
}

func (s *Server) runBanSweep(ctx context.Context) {
	interval := s.cfg.Banning.PurgeInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeExpiredBans()
		}
	}
}

func (s *Server) purgeExpiredBans() {
	s.banMu.Lock()
	defer s.banMu.Unlock()
	now := time.Now()
	for ip, until := range s.bannedIPs {
		if now.After(until) {
			delete(s.bannedIPs, ip)
		}
	}
}

// SetJob installs params as the block template's current
// mining.notify payload and pushes it to every connected session.
func (s *Server) SetJob(params []interface{}) {
	s.jobMu.Lock()
	s.currentJob = params
	s.lastJobAt = time.Now()
	s.jobMu.Unlock()

	for _, c := range s.snapshotClients() {
		c.SendMiningJob(params)
	}
}

func (s *Server) snapshotClients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// runRebroadcast resends the current job once JobRebroadcastTimeout
// elapses with no new SetJob call, so idle sessions don't time out.
func (s *Server) runRebroadcast(ctx context.Context) {
	timeout := s.cfg.JobRebroadcastTimeout
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.jobMu.Lock()
			job := s.currentJob
			idle := !s.lastJobAt.IsZero() && time.Since(s.lastJobAt) >= timeout
			s.jobMu.Unlock()
			if job != nil && idle {
				s.SetJob(job)
			}
		}
	}
}
