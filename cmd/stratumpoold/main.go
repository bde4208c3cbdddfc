// Command stratumpoold runs the Stratum mining pool server: it polls a
// full node for work, serves miners over one TCP port per configured
// difficulty tier, and relays block-found notifications from the
// node's peer-to-peer network.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/blockforge/stratumpool/internal/coinbase"
	"github.com/blockforge/stratumpool/internal/config"
	"github.com/blockforge/stratumpool/internal/logging"
	"github.com/blockforge/stratumpool/internal/peer"
	"github.com/blockforge/stratumpool/internal/rpc"
	"github.com/blockforge/stratumpool/internal/stratum"
	"github.com/blockforge/stratumpool/internal/template"
)

func main() {
	logging.Infof("stratumpoold starting up")

	if err := config.Load("config.yaml"); err != nil {
		logging.Fatalf("MAIN: failed to load config: %v", err)
	}
	if level, err := parseLogLevel(config.Active.LogLevel); err == nil {
		logging.SetLevel(level)
	}

	logFile, err := os.OpenFile("stratumpoold.log", os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		logging.Warnf("MAIN: could not open log file: %v", err)
	} else {
		defer logFile.Close()
		logging.SetLogFile(logFile)
	}

	rpcClient, err := rpc.New(rpc.Config{
		Host:       config.Active.RPC.Host,
		Port:       config.Active.RPC.Port,
		User:       config.Active.RPC.User,
		Password:   config.Active.RPC.Password,
		DisableTLS: true,
	})
	if err != nil {
		logging.Fatalf("MAIN: failed to connect to node RPC: %v", err)
	}
	defer rpcClient.Shutdown()

	serverCfg, err := config.Active.StratumServerConfig()
	if err != nil {
		logging.Fatalf("MAIN: invalid stratum config: %v", err)
	}

	poolScript, err := poolOutputScript(config.Active)
	if err != nil {
		logging.Fatalf("MAIN: invalid pool address: %v", err)
	}

	rewardTag := template.RewardTag(config.Active.RewardTag)
	if rewardTag == "" {
		rewardTag = template.RewardPOW
	}
	templateOpts := template.Options{
		ExtraNonce1Size: serverCfg.ExtraNonce1Size,
		ExtraNonce2Size: 4,
		TxVersion:       1,
		PoolScript:      poolScript,
		RewardTag:       rewardTag,
	}

	// srv and mgr reference each other (srv hands shares to mgr, mgr
	// pushes new jobs to srv), so mgr is wired in once srv exists.
	var mgr *template.Manager
	srv := stratum.NewServer(serverCfg, authorizeAnyWorker, func(c *stratum.Client, share stratum.Share) stratum.SubmitAck {
		return mgr.Submit(c, share)
	})
	mgr = template.NewManager(rpcClient, templateOpts, []string{"segwit"}, 32, srv.SetJob)

	peerCfg, err := config.Active.PeerClientConfig()
	if err != nil {
		logging.Fatalf("MAIN: invalid peer config: %v", err)
	}
	p := peer.New(peerCfg, peer.Events{
		Connected: func() { logging.Infof("peer: handshake complete with %s:%d", peerCfg.Host, peerCfg.Port) },
		BlockFound: func(hashHex string) {
			logging.Successf("peer: block %s announced, refreshing work", hashHex)
			if err := mgr.Refresh(); err != nil {
				logging.Warnf("peer: refresh after block announcement failed: %v", err)
			}
		},
		SocketError: func(err error) { logging.Warnf("peer: socket error: %v", err) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.ListenAndServe(ctx) })
	g.Go(func() error { p.Run(ctx.Done()); return nil })
	g.Go(func() error { return mgr.Poll(ctx, 30*time.Second) })

	metricsAddr := ":9090"
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
	logging.Infof("MAIN: startup complete, serving %d ports. Press Ctrl+C to exit.", len(serverCfg.Ports))

	<-shutdownCh
	logging.Warnf("MAIN: shutdown signal received, stopping")
	cancel()
	metricsSrv.Close()

	if err := g.Wait(); err != nil {
		logging.Errorf("MAIN: shutdown with error: %v", err)
	}
}

// poolOutputScript derives the coinbase payout script for the
// configured pool address, falling back to a bare OP_TRUE script (an
// address-less devnet/testing default) when none is set.
func poolOutputScript(cfg config.Config) ([]byte, error) {
	if cfg.PoolAddress == "" {
		return []byte{0x51}, nil
	}
	params := &chaincfg.MainNetParams
	if cfg.Testnet {
		params = &chaincfg.TestNet3Params
	}
	return coinbase.ScriptForAddress(params, cfg.PoolAddress)
}

func authorizeAnyWorker(remoteAddr string, localPort int, worker, password string) stratum.AuthResult {
	return stratum.AuthResult{Authorized: worker != ""}
}

func parseLogLevel(s string) (logging.Level, error) {
	switch s {
	case "debug":
		return logging.LevelDebug, nil
	case "info", "":
		return logging.LevelInfo, nil
	case "warn":
		return logging.LevelWarn, nil
	case "error":
		return logging.LevelError, nil
	}
	return logging.LevelInfo, errors.Errorf("unknown log level %q", s)
}
