package main

// quorumchain – the node daemon wrapper.  Everything interesting lives
// in the core package; this binary only loads configuration, builds the
// component graph and serves until interrupted.

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"quorumchain/core"
	"quorumchain/pkg/config"
	"quorumchain/pkg/utils"
)

var version = "v0.1.0"

func main() {
	rootCmd := &cobra.Command{Use: "quorumchain"}
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node"}
	cmd.AddCommand(nodeStartCmd())
	cmd.AddCommand(nodeIDCmd())
	return cmd
}

func nodeIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "derive and print a fresh node identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			var priv [32]byte
			if _, err := rand.Read(priv[:]); err != nil {
				return err
			}
			pub := core.SchnorrPubKey(priv[:])
			fmt.Printf("node_id: %s\n", core.NodeIDFromPubKey(pub).Hex())
			return nil
		},
	}
}

func nodeStartCmd() *cobra.Command {
	var envName string
	start := &cobra.Command{
		Use:   "start",
		Short: "start the full node",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			cfg, err := config.Load(envName)
			if err != nil {
				return utils.Wrap(err, "configuration")
			}

			lg := logrus.New()
			if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
				lg.SetLevel(lvl)
			}

			nodeCfg, keys, err := buildNodeConfig(cfg)
			if err != nil {
				return err
			}
			node, err := core.NewNode(nodeCfg, keys, &noopTransport{}, nil, core.NewMemoryKV(), nil, lg)
			if err != nil {
				return utils.Wrap(err, "assemble node")
			}
			node.Start()
			defer node.Stop()

			gwAddr := cfg.Network.GatewayAddr
			if gwAddr == "" {
				gwAddr = ":8545"
			}
			srv := &http.Server{Addr: gwAddr, Handler: node.Gateway.Router()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					lg.Errorf("gateway: %v", err)
				}
			}()
			lg.Infof("gateway listening on %s", gwAddr)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			return srv.Close()
		},
	}
	start.Flags().StringVar(&envName, "env", "", "configuration overlay to merge (cmd/config/<env>.yaml)")
	return start
}

// buildNodeConfig maps file configuration onto the core tuning structs
// and derives the local identity.
func buildNodeConfig(cfg *config.Config) (core.NodeConfig, *core.StaticKeyStore, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return core.NodeConfig{}, nil, err
	}
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return core.NodeConfig{}, nil, err
	}
	pub := core.SchnorrPubKey(priv[:])
	keys := &core.StaticKeyStore{Secret: secret[:], Priv: priv[:], Pub: pub}

	nodeCfg := core.NodeConfig{
		LocalID:      core.NodeIDFromPubKey(pub),
		Registry:     core.DefaultRegistryConfig(),
		Mempool:      core.DefaultMempoolConfig(),
		Consensus:    core.DefaultConsensusConfig(),
		Assembler:    core.DefaultAssemblerConfig(),
		Finality:     core.DefaultFinalityConfig(),
		ReplayWindow: core.DefaultReplayWindow,
	}
	if cfg.Peers.K > 0 {
		nodeCfg.Registry.K = cfg.Peers.K
	}
	if cfg.Peers.MaxPendingPeers > 0 {
		nodeCfg.Registry.MaxPendingPeers = cfg.Peers.MaxPendingPeers
	}
	if cfg.Peers.MaxPeersPerSubnet > 0 {
		nodeCfg.Registry.MaxPeersPerSubnet = cfg.Peers.MaxPeersPerSubnet
	}
	if cfg.Peers.EvictionChallengeTimeout > 0 {
		nodeCfg.Registry.ChallengeTimeout = time.Duration(cfg.Peers.EvictionChallengeTimeout) * time.Second
	}
	if cfg.Peers.VerifyDeadlineSecs > 0 {
		nodeCfg.Registry.VerifyDeadline = time.Duration(cfg.Peers.VerifyDeadlineSecs) * time.Second
	}
	if cfg.Bus.ReplayWindowSecs > 0 {
		nodeCfg.ReplayWindow = time.Duration(cfg.Bus.ReplayWindowSecs) * time.Second
	}
	if cfg.Mempool.MaxTransactions > 0 {
		nodeCfg.Mempool.MaxTransactions = cfg.Mempool.MaxTransactions
	}
	if cfg.Mempool.MaxPerAccount > 0 {
		nodeCfg.Mempool.MaxPerAccount = cfg.Mempool.MaxPerAccount
	}
	if cfg.Mempool.MinGasPrice > 0 {
		nodeCfg.Mempool.MinGasPrice = cfg.Mempool.MinGasPrice
	}
	if cfg.Consensus.BaseTimeoutMS > 0 {
		nodeCfg.Consensus.BaseTimeout = time.Duration(cfg.Consensus.BaseTimeoutMS) * time.Millisecond
	}
	if cfg.Consensus.MaxViewExponent > 0 {
		nodeCfg.Consensus.MaxViewExponent = uint(cfg.Consensus.MaxViewExponent)
	}
	if cfg.Assembly.TimeoutSecs > 0 {
		nodeCfg.Assembler.Timeout = time.Duration(cfg.Assembly.TimeoutSecs) * time.Second
	}
	if cfg.Assembly.MaxPending > 0 {
		nodeCfg.Assembler.MaxPending = cfg.Assembly.MaxPending
	}
	if cfg.Finality.EpochLength > 0 {
		nodeCfg.Finality.EpochLength = uint64(cfg.Finality.EpochLength)
	}
	if cfg.Finality.BreakerWindow > 0 {
		nodeCfg.Finality.BreakerWindow = cfg.Finality.BreakerWindow
	}
	if cfg.Finality.BreakerThreshold > 0 {
		nodeCfg.Finality.BreakerThreshold = cfg.Finality.BreakerThreshold
	}
	return nodeCfg, keys, nil
}

// noopTransport stands in until a physical transport is attached; the
// node runs, serves its gateway and never reaches the network.
type noopTransport struct{}

func (noopTransport) Ping(ctx context.Context, peer core.PeerInfo) (time.Duration, error) {
	return 0, fmt.Errorf("no transport attached")
}

func (noopTransport) FindNode(ctx context.Context, peer core.PeerInfo, target core.NodeID) ([]core.PeerInfo, error) {
	return nil, fmt.Errorf("no transport attached")
}

func (noopTransport) SendGossip(ctx context.Context, peer core.PeerInfo, tag string, payload []byte) error {
	return fmt.Errorf("no transport attached")
}
