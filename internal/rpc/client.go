// Package rpc talks to the full node's JSON-RPC interface: pulling
// getblocktemplate snapshots and pushing submitblock calls.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/pkg/errors"
)

// Client wraps rpcclient.Client with the two calls a pool needs.
type Client struct {
	conn *rpcclient.Client
}

// Config addresses the full node's RPC listener.
type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	DisableTLS bool
}

// New dials the RPC endpoint. The client runs in rpcclient's HTTP POST
// mode (one HTTP request per call) instead of rpcclient's default
// persistent websocket.
func New(cfg Config) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}
	conn, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, "rpc: connect")
	}
	return &Client{conn: conn}, nil
}

// GetBlockTemplate calls getblocktemplate with the given consensus
// rules and returns the raw JSON result for the caller to decode.
func (c *Client) GetBlockTemplate(rules []string) (json.RawMessage, error) {
	params, err := json.Marshal(map[string]interface{}{"rules": rules})
	if err != nil {
		return nil, errors.Wrap(err, "rpc: marshal getblocktemplate params")
	}
	raw, err := c.conn.RawRequest("getblocktemplate", []json.RawMessage{params})
	if err != nil {
		return nil, errors.Wrap(err, "rpc: getblocktemplate")
	}
	return raw, nil
}

// SubmitBlock submits a fully serialized block (hex-encoded) and
// returns the node's rejection reason, or "" on acceptance.
func (c *Client) SubmitBlock(blockHex string) (string, error) {
	param, err := json.Marshal(blockHex)
	if err != nil {
		return "", errors.Wrap(err, "rpc: marshal submitblock param")
	}
	raw, err := c.conn.RawRequest("submitblock", []json.RawMessage{param})
	if err != nil {
		return "", errors.Wrap(err, "rpc: submitblock")
	}
	var reason string
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &reason); err != nil {
			return "", errors.Wrap(err, "rpc: decode submitblock result")
		}
	}
	return reason, nil
}

// Shutdown closes the underlying connection.
func (c *Client) Shutdown() { c.conn.Shutdown() }
