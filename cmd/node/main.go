// Command node starts a TOL Chain node.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/tolelom/toldpos/bft"
	"github.com/tolelom/toldpos/config"
	"github.com/tolelom/toldpos/consensus"
	"github.com/tolelom/toldpos/core"
	"github.com/tolelom/toldpos/crypto/certgen"
	"github.com/tolelom/toldpos/events"
	"github.com/tolelom/toldpos/indexer"
	"github.com/tolelom/toldpos/network"
	"github.com/tolelom/toldpos/p2p"
	"github.com/tolelom/toldpos/rpc"
	"github.com/tolelom/toldpos/storage"
	"github.com/tolelom/toldpos/vm"
	"github.com/tolelom/toldpos/wallet"

	// Import VM modules to trigger their init() self-registration.
	_ "github.com/tolelom/toldpos/vm/modules/asset"
	_ "github.com/tolelom/toldpos/vm/modules/economy"
	_ "github.com/tolelom/toldpos/vm/modules/market"
	_ "github.com/tolelom/toldpos/vm/modules/session"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("TOL_PASSWORD")
	if password == "" {
		log.Println("WARNING: TOL_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key (validator address): %s\n", w.PubKey())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- load validator key ----
	privKey, err := wallet.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	stateDB := db // reuse same DB with different key prefixes
	blockStore := storage.NewLevelBlockStore(db)

	// ---- initialise state ----
	state := storage.NewStateDB(stateDB)

	// ---- initialise blockchain ----
	bc := core.NewBlockchain(blockStore)
	if err := bc.Init(); err != nil {
		log.Fatalf("blockchain init: %v", err)
	}

	// ---- genesis block (if fresh chain) ----
	if bc.Tip() == nil {
		genesisBlock, err := config.CreateGenesisBlock(cfg, state, privKey)
		if err != nil {
			log.Fatalf("genesis: %v", err)
		}
		if err := bc.AddBlock(genesisBlock); err != nil {
			log.Fatalf("add genesis: %v", err)
		}
		log.Printf("Genesis block committed: %s", genesisBlock.Hash)
	}

	// ---- events ----
	emitter := events.NewEmitter()

	// ---- indexer ----
	idx := indexer.New(db, emitter)

	// ---- mempool ----
	mempool := core.NewMempool()

	// ---- VM executor ----
	exec := vm.NewExecutor(state, emitter)

	// ---- BFT finality core ----
	headerStore := storage.NewLevelHeaderStore(db)
	finalizedHeight, err := headerStore.LoadFinalizedHeight(context.Background())
	if err != nil {
		log.Fatalf("load finalized height: %v", err)
	}
	if finalizedHeight > cfg.FinalizedHeight {
		cfg.FinalizedHeight = finalizedHeight
	}
	fm, err := bft.NewFinalityManager(bft.Config{
		ActiveDelegates: cfg.ActiveDelegates,
		FinalizedHeight: cfg.FinalizedHeight,
	}, headerStore, func(height int64) {
		log.Printf("Finality advanced to height %d", height)
	}, nil)
	if err != nil {
		log.Fatalf("bft finality manager: %v", err)
	}

	// ---- consensus ----
	schedule := consensus.NewRoundSchedule(cfg.Validators)
	dpos := consensus.New(cfg, bc, state, mempool, exec, emitter, privKey, schedule, fm, headerStore)

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	// ---- P2P peer address book, pool and coordinator ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, mempool, cfg.WSMaxPayload, tlsCfg)

	secret, err := hex.DecodeString(cfg.Secret)
	if err != nil {
		log.Fatalf("bucket secret: %v", err)
	}
	book := p2p.NewPeerAddressBook(p2p.BookConfig{
		Secret:            secret,
		NetgroupRatio:     cfg.NetgroupProtectionRatio,
		LatencyRatio:      cfg.LatencyProtectionRatio,
		ProductivityRatio: cfg.ProductivityProtectionRatio,
		LongevityRatio:    cfg.LongevityProtectionRatio,
	})
	pool := p2p.NewPeerPool(p2p.PoolConfig{
		MaxInboundConnections:         cfg.MaxInboundConnections,
		MaxOutboundConnections:        cfg.MaxOutboundConnections,
		PopulatorInterval:             cfg.PopulatorInterval,
		OutboundShuffleInterval:       cfg.OutboundShuffleInterval,
		RateCalculationInterval:       cfg.RateCalculationInterval,
		WSMaxMessageRate:              cfg.WSMaxMessageRate,
		WSMaxMessageRatePenalty:       cfg.WSMaxMessageRatePenalty,
		SendPeerLimit:                 cfg.SendPeerLimit,
		MinimumPeerDiscoveryThreshold: cfg.MinimumPeerDiscoveryThreshold,
		NetgroupRatio:                 cfg.NetgroupProtectionRatio,
		LatencyRatio:                  cfg.LatencyProtectionRatio,
		ProductivityRatio:             cfg.ProductivityProtectionRatio,
		LongevityRatio:                cfg.LongevityProtectionRatio,
		ConnectFn:                     node.DialFn(),
	}, book, emitter, nil)
	coord := p2p.NewCoordinator(p2p.CoordinatorConfig{
		PeerBanTime:                    cfg.PeerBanTime,
		SeedPeers:                      seedPeerInfos(cfg.SeedPeers),
		MaxPeerDiscoveryResponseLength: cfg.MaxPeerDiscoveryResponseLength,
		MaxPeerInfoSize:                cfg.MaxPeerInfoSize,
		WSMaxPayload:                   cfg.WSMaxPayload,
	}, book, pool, emitter, nil)
	node.Attach(coord, pool)

	syncer := network.NewSyncer(node, bc, dpos, exec, state)
	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	// ---- connect to explicit seed peers outside the pool's populator ----
	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		// Trigger initial block sync with the newly connected peer.
		if peer := node.Peer(sp.ID); peer != nil {
			if err := syncer.RequestBlocks(peer, bc.Height()+1); err != nil {
				log.Printf("request blocks from %s: %v", sp.ID, err)
			}
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(bc, mempool, state, idx, cfg.Genesis.ChainID).WithPeers(coord)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- consensus loop ----
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dpos.Run(2*time.Second, done)
	}()
	log.Printf("Consensus running (validator: %s)", privKey.Public().Hex())

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// 1. Stop consensus first (no new blocks written)
	close(done)
	wg.Wait()

	// 2. Deferred calls run in LIFO: rpcServer.Stop → node.Stop → db.Close
	log.Println("Shutdown complete.")
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

// seedPeerInfos converts config.SeedPeer's host:port form into the
// p2p.PeerInfo shape CoordinatorConfig.SeedPeers wants, so the address
// book learns them as tried peers at startup (p2p.Coordinator.Start).
func seedPeerInfos(seeds []config.SeedPeer) []p2p.PeerInfo {
	infos := make([]p2p.PeerInfo, 0, len(seeds))
	for _, sp := range seeds {
		host, portStr, err := net.SplitHostPort(sp.Addr)
		if err != nil {
			log.Printf("seed peer %s: invalid addr %q: %v", sp.ID, sp.Addr, err)
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Printf("seed peer %s: invalid port %q: %v", sp.ID, portStr, err)
			continue
		}
		infos = append(infos, p2p.PeerInfo{
			PeerID:    p2p.BuildPeerID(host, port),
			IPAddress: host,
			WSPort:    port,
		})
	}
	return infos
}
