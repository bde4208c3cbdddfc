// Package config loads the pool's YAML configuration file and applies
// command-line overrides.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/blockforge/stratumpool/internal/logging"
	"github.com/blockforge/stratumpool/internal/peer"
	"github.com/blockforge/stratumpool/internal/stratum"
)

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }

// PortConfig is one entry of the ports map: a listening port and the
// difficulty sessions on it start at.
type PortConfig struct {
	Difficulty float64 `yaml:"difficulty"`
}

// BanningConfig controls invalid-share banning; durations are
// expressed in seconds in YAML for operator friendliness.
type BanningConfig struct {
	Enabled        bool    `yaml:"enabled"`
	TimeSeconds    int     `yaml:"time"`
	PurgeInterval  int     `yaml:"purgeInterval"`
	CheckThreshold int     `yaml:"checkThreshold"`
	InvalidPercent float64 `yaml:"invalidPercent"`
}

// PeerConfig is the full node this pool connects to for block and
// transaction announcements.
type PeerConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	DisableTransactions bool   `yaml:"disableTransactions"`
}

// CoinConfig names the chain parameters a BlockTemplate needs.
type CoinConfig struct {
	Name             string `yaml:"name"`
	Algorithm        string `yaml:"algorithm"`
	PeerMagic        string `yaml:"peerMagic"`
	PeerMagicTestnet string `yaml:"peerMagicTestnet"`
}

// RPCConfig addresses the full node's JSON-RPC interface, used for
// getblocktemplate and submitblock.
type RPCConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Config is the pool's complete configuration.
type Config struct {
	Ports                 map[int]PortConfig `yaml:"ports"`
	Banning               BanningConfig      `yaml:"banning"`
	ConnectionTimeout     int                `yaml:"connectionTimeout"`
	TCPProxyProtocol      bool               `yaml:"tcpProxyProtocol"`
	JobRebroadcastTimeout int                `yaml:"jobRebroadcastTimeout"`
	Peer                  PeerConfig         `yaml:"peer"`
	Coin                  CoinConfig         `yaml:"coin"`
	ProtocolVersion       uint32             `yaml:"protocolVersion"`
	RPC                   RPCConfig          `yaml:"rpc"`
	PoolAddress           string             `yaml:"poolAddress"`
	RewardTag             string             `yaml:"rewardTag"`
	ExtraNonce1Size       int                `yaml:"extraNonce1Size"`
	VersionMask           string             `yaml:"versionMask"`
	Testnet               bool               `yaml:"testnet"`
	LogLevel              string             `yaml:"logLevel"`
}

// Active holds the process's configuration once Load has run.
var Active Config

// Load reads path as YAML into Active, then parses command-line flags
// and lets any that were set win over the file.
func Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		logging.Warnf("config: no %s found, using defaults and flags only", path)
	} else {
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&Active); err != nil {
			return errors.Wrapf(err, "config: decode %s", path)
		}
	}

	fs := flag.NewFlagSet("stratumpoold", flag.ContinueOnError)
	testnet := fs.Bool("testnet", Active.Testnet, "use testnet chain parameters")
	poolAddress := fs.String("pool-address", Active.PoolAddress, "address coinbase payouts are sent to")
	rpcUser := fs.String("rpc-user", Active.RPC.User, "full node RPC username")
	rpcPass := fs.String("rpc-pass", Active.RPC.Password, "full node RPC password")
	logLevel := fs.String("log-level", Active.LogLevel, "error|warn|info|debug")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return errors.Wrap(err, "config: parse flags")
	}

	Active.Testnet = *testnet
	if *poolAddress != "" {
		Active.PoolAddress = *poolAddress
	}
	if *rpcUser != "" {
		Active.RPC.User = *rpcUser
	}
	if *rpcPass != "" {
		Active.RPC.Password = *rpcPass
	}
	if *logLevel != "" {
		Active.LogLevel = *logLevel
	}
	return nil
}

// Magic returns the peer-to-peer network magic for the active network
// (testnet-aware), parsed from its hex string form.
func (c Config) Magic() (uint32, error) {
	hexValue := c.Coin.PeerMagic
	if c.Testnet && c.Coin.PeerMagicTestnet != "" {
		hexValue = c.Coin.PeerMagicTestnet
	}
	n, err := strconv.ParseUint(hexValue, 16, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "config: parse peer magic %q", hexValue)
	}
	return uint32(n), nil
}

// PeerClientConfig adapts Config into the peer package's Config.
func (c Config) PeerClientConfig() (peer.Config, error) {
	magic, err := c.Magic()
	if err != nil {
		return peer.Config{}, err
	}
	return peer.Config{
		Host:                c.Peer.Host,
		Port:                c.Peer.Port,
		Magic:               magic,
		ProtocolVersion:     c.ProtocolVersion,
		DisableTransactions: c.Peer.DisableTransactions,
	}, nil
}

// StratumServerConfig adapts Config into the stratum package's
// ServerConfig.
func (c Config) StratumServerConfig() (stratum.ServerConfig, error) {
	ports := make([]stratum.PortConfig, 0, len(c.Ports))
	for port, pc := range c.Ports {
		ports = append(ports, stratum.PortConfig{Port: port, Difficulty: pc.Difficulty})
	}

	var versionMask uint64
	if c.VersionMask != "" {
		var err error
		versionMask, err = strconv.ParseUint(c.VersionMask, 16, 32)
		if err != nil {
			return stratum.ServerConfig{}, errors.Wrapf(err, "config: parse versionMask %q", c.VersionMask)
		}
	}

	return stratum.ServerConfig{
		Ports: ports,
		Banning: stratum.BanningConfig{
			Enabled:        c.Banning.Enabled,
			Time:           secondsToDuration(c.Banning.TimeSeconds),
			PurgeEvery:     secondsToDuration(c.Banning.PurgeInterval),
			CheckThreshold: c.Banning.CheckThreshold,
			InvalidPercent: c.Banning.InvalidPercent,
		},
		ConnectionTimeout:     secondsToDuration(c.ConnectionTimeout),
		TCPProxyProtocol:      c.TCPProxyProtocol,
		JobRebroadcastTimeout: secondsToDuration(c.JobRebroadcastTimeout),
		ExtraNonce1Size:       c.ExtraNonce1Size,
		VersionMask:           uint32(versionMask),
	}, nil
}
