package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, cfg ServerConfig, authorize Authorizer, submit ShareHandler) (*Server, func()) {
	t.Helper()
	s := NewServer(cfg, authorize, submit)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond) // let the listener bind before dialing

	return s, func() {
		cancel()
		<-errCh
	}
}

func dialAndSubscribe(t *testing.T, port int) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	r := bufio.NewReader(conn)
	_, err = conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n"))
	require.NoError(t, err)

	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var resp wireMessage
	require.NoError(t, json.Unmarshal(line, &resp))
	return conn, r
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestServerSendsDifficultyAndJobOnConnect(t *testing.T) {
	port := freePort(t)
	s, stop := startTestServer(t, ServerConfig{
		Ports: []PortConfig{{Port: port, Difficulty: 32}},
	}, nil, nil)
	defer stop()

	s.SetJob([]interface{}{"job1", "prevhash", "coinb1", "coinb2", []string{}, "20000000", "1d00ffff", "5f000000", true})

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n"))
	require.NoError(t, err)

	// A job is already set, so the session pushes set_difficulty and
	// mining.notify as soon as it starts, ahead of the subscribe reply:
	// read all three lines and pick out the two notifications.
	var sawDifficulty, sawJob bool
	for i := 0; i < 3; i++ {
		line, err := r.ReadBytes('\n')
		require.NoError(t, err)
		var n wireNotification
		require.NoError(t, json.Unmarshal(line, &n))
		switch n.Method {
		case "mining.set_difficulty":
			sawDifficulty = true
		case "mining.notify":
			sawJob = true
		}
	}
	require.True(t, sawDifficulty)
	require.True(t, sawJob)
}

func TestServerBansAcrossReconnect(t *testing.T) {
	port := freePort(t)
	allowAll := func(_ string, _ int, worker, password string) AuthResult { return AuthResult{Authorized: true} }
	alwaysInvalid := func(c *Client, share Share) SubmitAck { return SubmitAck{Accepted: false} }

	s, stop := startTestServer(t, ServerConfig{
		Ports:   []PortConfig{{Port: port}},
		Banning: BanningConfig{Enabled: true, Time: time.Hour, CheckThreshold: 2, InvalidPercent: 50},
	}, allowAll, alwaysInvalid)
	defer stop()

	conn, r := dialAndSubscribe(t, port)
	conn.Write([]byte(`{"id":2,"method":"mining.authorize","params":["w","x"]}` + "\n"))
	r.ReadBytes('\n')

	conn.Write([]byte(`{"id":3,"method":"mining.submit","params":["w","job1","0","5f000000","0"]}` + "\n"))
	conn.Write([]byte(`{"id":4,"method":"mining.submit","params":["w","job1","0","5f000000","0"]}` + "\n"))

	require.Eventually(t, func() bool {
		s.banMu.Lock()
		defer s.banMu.Unlock()
		return len(s.bannedIPs) == 1
	}, 3*time.Second, 10*time.Millisecond)
	conn.Close()

	// A fresh connection from the same loopback address is closed
	// immediately by the accept path's ban check, before any session exists.
	conn2, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn2.Close()

	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn2.Read(buf)
	require.Error(t, err) // connection closed with no data sent
}
