package stratum

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeHost is a minimal Host used to drive Client in isolation, without
// a real Server. The counters are guarded because the session invokes
// upcalls from its own goroutine while tests poll them.
type fakeHost struct {
	authorize func(worker, password string) AuthResult
	submit    func(c *Client, share Share) SubmitAck

	mu            sync.Mutex
	connected     int
	disconnected  int
	banTriggered  int
	checkBanCalls int
}

func (h *fakeHost) bump(n *int) {
	h.mu.Lock()
	*n++
	h.mu.Unlock()
}

func (h *fakeHost) banCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.banTriggered
}

func (h *fakeHost) CheckBan(c *Client)           { h.bump(&h.checkBanCalls) }
func (h *fakeHost) ClientConnected(c *Client)    { h.bump(&h.connected) }
func (h *fakeHost) ClientDisconnected(c *Client) { h.bump(&h.disconnected) }
func (h *fakeHost) Subscribe(c *Client) (string, int, interface{}) {
	return "aabbccdd", 4, nil
}
func (h *fakeHost) Authorize(c *Client, worker, password string) AuthResult {
	if h.authorize != nil {
		return h.authorize(worker, password)
	}
	return AuthResult{Authorized: true}
}
func (h *fakeHost) Submit(c *Client, share Share) SubmitAck {
	if h.submit != nil {
		return h.submit(c, share)
	}
	return SubmitAck{Accepted: true}
}
func (h *fakeHost) TriggerBan(c *Client) { h.bump(&h.banTriggered) }

func newPipedClient(t *testing.T, host Host, banning BanningConfig) (*Client, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	c := NewClient(server, "0102030405060708090a0b0c0d0e0f10", host, banning, false, 0)
	go c.Serve()
	return c, client
}

func readLineJSON(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, v))
}

func writeLine(t *testing.T, conn net.Conn, s string) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	_, err := conn.Write([]byte(s + "\n"))
	require.NoError(t, err)
}

func TestSubscribeReturnsExtraNonceAndSubscriptionIDs(t *testing.T) {
	host := &fakeHost{}
	c, conn := newPipedClient(t, host, BanningConfig{})
	defer c.Close()

	writeLine(t, conn, `{"id":1,"method":"mining.subscribe","params":[]}`)

	var resp wireMessage
	readLineJSON(t, conn, &resp)
	require.Nil(t, resp.Error)

	result := resp.Result.([]interface{})
	require.Equal(t, "aabbccdd", result[1])
	require.Equal(t, float64(4), result[2])

	require.Equal(t, "aabbccdd", c.ExtraNonce1)
	require.Equal(t, 4, c.ExtraNonce2Size)
}

func TestAuthorizeSetsWorkerName(t *testing.T) {
	host := &fakeHost{authorize: func(worker, password string) AuthResult {
		require.Equal(t, "miner.worker1", worker)
		require.Equal(t, "x", password)
		return AuthResult{Authorized: true}
	}}
	c, conn := newPipedClient(t, host, BanningConfig{})
	defer c.Close()

	writeLine(t, conn, `{"id":2,"method":"mining.authorize","params":["miner.worker1","x"]}`)

	var resp wireMessage
	readLineJSON(t, conn, &resp)
	require.Equal(t, true, resp.Result)

	require.True(t, c.Authorized())
	require.Equal(t, "miner.worker1", c.WorkerName())
}

func TestSubmitBeforeAuthorizeIsRejected(t *testing.T) {
	host := &fakeHost{}
	c, conn := newPipedClient(t, host, BanningConfig{})
	defer c.Close()

	writeLine(t, conn, `{"id":3,"method":"mining.submit","params":["w","job1","00000000","5f000000","00000000"]}`)

	var resp wireMessage
	readLineJSON(t, conn, &resp)
	require.Nil(t, resp.Result)
	require.NotNil(t, resp.Error)
}

func TestSubmitDispatchesShareToHost(t *testing.T) {
	var gotShare Share
	host := &fakeHost{
		authorize: func(string, string) AuthResult { return AuthResult{Authorized: true} },
		submit: func(c *Client, share Share) SubmitAck {
			gotShare = share
			return SubmitAck{Accepted: true}
		},
	}
	c, conn := newPipedClient(t, host, BanningConfig{})
	defer c.Close()

	writeLine(t, conn, `{"id":1,"method":"mining.authorize","params":["w","x"]}`)
	var authResp wireMessage
	readLineJSON(t, conn, &authResp)

	writeLine(t, conn, `{"id":2,"method":"mining.subscribe","params":[]}`)
	var subResp wireMessage
	readLineJSON(t, conn, &subResp)

	writeLine(t, conn, `{"id":3,"method":"mining.submit","params":["w","job1","00000000","5f000000","00000000"]}`)
	var submitResp wireMessage
	readLineJSON(t, conn, &submitResp)
	require.Equal(t, true, submitResp.Result)
	require.Equal(t, "job1", gotShare.JobID)
}

func TestBanTriggeredAfterInvalidShareThreshold(t *testing.T) {
	valid := true
	host := &fakeHost{
		authorize: func(string, string) AuthResult { return AuthResult{Authorized: true} },
		submit: func(c *Client, share Share) SubmitAck {
			return SubmitAck{Accepted: valid}
		},
	}
	banning := BanningConfig{Enabled: true, CheckThreshold: 10, InvalidPercent: 50}
	c, conn := newPipedClient(t, host, banning)
	defer c.Close()

	writeLine(t, conn, `{"id":1,"method":"mining.authorize","params":["w","x"]}`)
	var resp wireMessage
	readLineJSON(t, conn, &resp)

	// Subscribe too, so the first five submits reach the host and count
	// as valid instead of being rejected as "not subscribed".
	writeLine(t, conn, `{"id":1,"method":"mining.subscribe","params":[]}`)
	readLineJSON(t, conn, &resp)

	for i := 0; i < 5; i++ {
		writeLine(t, conn, `{"id":2,"method":"mining.submit","params":["w","job1","00000000","5f000000","00000000"]}`)
		readLineJSON(t, conn, &resp)
	}

	// The unbuffered pipe blocks every reply until someone reads it, so
	// drain the remaining rejection replies in the background.
	go io.Copy(io.Discard, conn)

	valid = false
	for i := 0; i < 6; i++ {
		conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
		if _, err := conn.Write([]byte(`{"id":2,"method":"mining.submit","params":["w","job1","00000000","5f000000","00000000"]}` + "\n")); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool { return host.banCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestFloodedBufferDestroysSocket(t *testing.T) {
	host := &fakeHost{}
	c, conn := newPipedClient(t, host, BanningConfig{})
	defer c.Close()

	// Push past the 10 KiB line buffer without ever sending a newline;
	// the session must be torn down before it accepts much more.
	junk := make([]byte, 1024)
	for i := range junk {
		junk[i] = 'a'
	}
	for i := 0; i < 12; i++ {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := conn.Write(junk); err != nil {
			break
		}
	}

	select {
	case <-c.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not close after flooding")
	}
}

func TestMalformedMessageClosesSession(t *testing.T) {
	host := &fakeHost{}
	c, conn := newPipedClient(t, host, BanningConfig{})
	defer c.Close()

	writeLine(t, conn, `not json at all`)

	select {
	case <-c.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not close after malformed message")
	}
}

func TestGetTransactionsRepliesWithEmptyResultAndTrueError(t *testing.T) {
	host := &fakeHost{}
	c, conn := newPipedClient(t, host, BanningConfig{})
	defer c.Close()

	writeLine(t, conn, `{"id":9,"method":"mining.get_transactions","params":[]}`)

	var resp wireMessage
	readLineJSON(t, conn, &resp)
	require.Equal(t, true, resp.Error)
	require.Equal(t, []interface{}{}, resp.Result)
}
