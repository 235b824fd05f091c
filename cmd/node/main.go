// Command node starts a dpochain node: block assembly, the incoming
// transaction/block pipelines, P2P gossip, and a JSON-RPC endpoint.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/dpochain/node/chain"
	"github.com/dpochain/node/config"
	"github.com/dpochain/node/core"
	"github.com/dpochain/node/crypto"
	"github.com/dpochain/node/crypto/certgen"
	"github.com/dpochain/node/events"
	"github.com/dpochain/node/eventbus"
	"github.com/dpochain/node/metrics"
	"github.com/dpochain/node/network"
	"github.com/dpochain/node/producer"
	"github.com/dpochain/node/rpc"
	"github.com/dpochain/node/signerprovider"
	"github.com/dpochain/node/storage"
	"github.com/dpochain/node/vm"
	"github.com/dpochain/node/wallet"

	_ "github.com/dpochain/node/vm/modules"
)

// Process exit codes for the outer harness (spec.md §6).
const (
	ExitSuccess               = 0
	ExitBadAlloc              = 1
	ExitDatabaseDirty         = 2
	ExitFixedReversible       = 3
	ExitExtractedGenesis      = 4
	ExitNodeManagementSuccess = 5
	ExitInitializeFail        = -1
	ExitOtherFail             = -2
)

var app = cli.NewApp()

func init() {
	app.Name = "node"
	app.Usage = "run a dpochain producer/relay node"
	app.Action = run
	app.Commands = []cli.Command{genKeyCommand, genCertsCommand}
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Value: "config.json", Usage: "path to config file"},
		cli.StringFlag{Name: "key", Value: "validator.key", Usage: "path to local keystore file"},
		cli.StringSliceFlag{Name: "producer-name", Usage: "pubkey (hex) this node should produce blocks for, repeatable"},
		cli.StringSliceFlag{Name: "signature-provider", Usage: "<pubkey>=<KEY|KEOSD>:<data>, repeatable"},
		cli.StringSliceFlag{Name: "greylist-account", Usage: "producer pubkey to greylist at startup, repeatable"},
		cli.BoolFlag{Name: "pause-on-startup", Usage: "start with production paused"},
		cli.BoolFlag{Name: "enable-stale-production", Usage: "allow producing on a stale head"},
		cli.IntFlag{Name: "max-transaction-time", Value: 30, Usage: "ms"},
		cli.IntFlag{Name: "max-irreversible-block-age", Value: -1, Usage: "seconds; negative = unbounded"},
		cli.IntFlag{Name: "produce-time-offset-us", Value: 0},
		cli.IntFlag{Name: "last-block-time-offset-us", Value: 0},
		cli.IntFlag{Name: "max-scheduled-transaction-time-per-block-ms", Value: 100},
		cli.Float64Flag{Name: "incoming-defer-ratio", Value: 1.0},
		cli.IntFlag{Name: "keosd-provider-timeout", Value: 5, Usage: "ms"},
		cli.IntFlag{Name: "metrics-port", Value: 0, Usage: "Prometheus /metrics listen port; 0 disables"},
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitOtherFail)
	}
}

var genKeyCommand = cli.Command{
	Name:  "genkey",
	Usage: "generate a new producer key and exit",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "key", Value: "validator.key"},
	},
	Action: func(c *cli.Context) error {
		password := os.Getenv("DPO_PASSWORD")
		if password == "" {
			log.Println("WARNING: DPO_PASSWORD not set — keystore will use an empty password")
		}
		w, err := wallet.Generate()
		if err != nil {
			os.Exit(ExitOtherFail)
		}
		if err := wallet.SaveKey(c.String("key"), password, w.PrivKey()); err != nil {
			os.Exit(ExitOtherFail)
		}
		fmt.Printf("Generated key. Public key (producer address): %s\n", w.PubKey())
		fmt.Printf("Saved to: %s\n", c.String("key"))
		os.Exit(ExitNodeManagementSuccess)
		return nil
	},
}

var genCertsCommand = cli.Command{
	Name:  "gencerts",
	Usage: "generate CA + node TLS certs into a directory and exit",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "config", Value: "config.json"},
		cli.StringFlag{Name: "out", Value: "certs"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c.String("config"))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(ExitInitializeFail)
		}
		if err := certgen.GenerateAll(c.String("out"), cfg.NodeID, nil); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(ExitOtherFail)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", c.String("out"), cfg.NodeID)
		os.Exit(ExitNodeManagementSuccess)
		return nil
	},
}

func run(c *cli.Context) error {
	password := os.Getenv("DPO_PASSWORD")
	if password == "" {
		log.Println("WARNING: DPO_PASSWORD not set — keystore will use an empty password")
	}

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(ExitInitializeFail)
	}

	privKey, err := wallet.LoadKey(c.String("key"), password)
	if err != nil {
		log.Printf("load key: %v", err)
		os.Exit(ExitInitializeFail)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Printf("mkdir data dir: %v", err)
		os.Exit(ExitInitializeFail)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Printf("open db: %v", err)
		os.Exit(ExitDatabaseDirty)
	}
	defer db.Close()

	blockStore := storage.NewLevelBlockStore(db)
	state := storage.NewStateDB(db)

	bc := core.NewBlockchain(blockStore)
	if err := bc.Init(); err != nil {
		log.Printf("blockchain init: %v", err)
		os.Exit(ExitDatabaseDirty)
	}

	if bc.Tip() == nil {
		genesisBlock, err := config.CreateGenesisBlock(cfg, state, privKey)
		if err != nil {
			log.Printf("genesis: %v", err)
			os.Exit(ExitInitializeFail)
		}
		if err := bc.AddBlock(genesisBlock); err != nil {
			log.Printf("add genesis: %v", err)
			os.Exit(ExitInitializeFail)
		}
		log.Printf("Genesis block committed: %s", genesisBlock.Hash)
		os.Exit(ExitExtractedGenesis)
	}

	emitter := events.NewEmitter()
	mempool := core.NewMempool()
	exec := vm.NewExecutor(state, emitter)

	interval := 2 * time.Second
	epoch := time.Unix(0, 0)
	schedule := chain.NewSchedule(cfg.Producers, 1, interval, epoch)
	ctrl := chain.NewController(cfg.Genesis.ChainID, bc, state, mempool, exec, emitter, schedule)

	signers := signerprovider.New()
	signers.RegisterLocal(privKey)
	keosdTimeout := time.Duration(c.Int("keosd-provider-timeout")) * time.Millisecond
	if err := applySignatureProviders(signers, c.StringSlice("signature-provider"), keosdTimeout); err != nil {
		log.Printf("signature-provider: %v", err)
		os.Exit(ExitInitializeFail)
	}
	defer signers.Close()

	localProducers := append([]string{privKey.Public().Hex()}, c.StringSlice("producer-name")...)

	rcfg := producer.DefaultRuntimeConfig()
	rcfg.SetMaxTransactionTime(time.Duration(c.Int("max-transaction-time")) * time.Millisecond)
	rcfg.SetMaxIrreversibleBlockAge(time.Duration(c.Int("max-irreversible-block-age")) * time.Second)
	rcfg.SetProduceTimeOffset(time.Duration(c.Int("produce-time-offset-us")) * time.Microsecond)
	rcfg.SetLastBlockTimeOffset(time.Duration(c.Int("last-block-time-offset-us")) * time.Microsecond)
	rcfg.SetMaxScheduledTransactionTimePerBlock(time.Duration(c.Int("max-scheduled-transaction-time-per-block-ms")) * time.Millisecond)
	rcfg.SetIncomingDeferRatio(c.Float64("incoming-defer-ratio"))
	rcfg.SetEnableStaleProduction(c.Bool("enable-stale-production"))
	rcfg.SetPaused(c.Bool("pause-on-startup"))

	bus := eventbus.New()
	prod := producer.New(ctrl, signers, bus, rcfg, localProducers)
	for _, pk := range c.StringSlice("greylist-account") {
		ctrl.AddGreylist(pk)
	}

	if port := c.Int("metrics-port"); port != 0 {
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		prod.SetMetrics(m)
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				m.MempoolSize.Set(float64(mempool.Size()))
			}
		}()
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		addr := fmt.Sprintf(":%d", port)
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
		log.Printf("Metrics listening on %s", addr)
	}

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Printf("tls: %v", err)
		os.Exit(ExitInitializeFail)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, prod, tlsCfg)
	syncer := network.NewSyncer(node, bc, prod)
	if err := node.Start(); err != nil {
		log.Printf("p2p start: %v", err)
		os.Exit(ExitOtherFail)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		if peer := node.Peer(sp.ID); peer != nil {
			_ = syncer.RequestBlocks(peer, bc.Height()+1)
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(bc, mempool, state, ctrl, prod, cfg.Genesis.ChainID, cfg.SnapshotsDir)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Printf("rpc start: %v", err)
		os.Exit(ExitOtherFail)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	schedulerDone := make(chan struct{})
	scheduler := producer.NewScheduler(prod, interval)
	go scheduler.Run(ctx, schedulerDone)
	log.Printf("Production scheduler running (local producers: %s)", strings.Join(localProducers, ","))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	cancel()
	<-schedulerDone

	log.Println("Shutdown complete.")
	return nil
}

// applySignatureProviders parses spec §6's `<pubkey>=<KEY|KEOSD>:<data>`
// signature-provider flag form and registers each with registry.
func applySignatureProviders(registry *signerprovider.Registry, specs []string, timeout time.Duration) error {
	for _, spec := range specs {
		pubHex, rest, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("malformed signature-provider %q: missing '='", spec)
		}
		kind, data, ok := strings.Cut(rest, ":")
		if !ok {
			return fmt.Errorf("malformed signature-provider %q: missing ':'", spec)
		}
		pub, err := crypto.PubKeyFromHex(pubHex)
		if err != nil {
			return fmt.Errorf("signature-provider %q: %w", spec, err)
		}
		switch strings.ToUpper(kind) {
		case "KEY":
			priv, err := crypto.PrivKeyFromHex(data)
			if err != nil {
				return fmt.Errorf("signature-provider %q: %w", spec, err)
			}
			registry.RegisterLocal(priv)
		case "KEOSD":
			registry.RegisterRemote(pub, data, timeout)
		default:
			return fmt.Errorf("signature-provider %q: unknown kind %q", spec, kind)
		}
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
