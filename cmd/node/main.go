// Command node starts a NADO node.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/tessoudali/nado/api"
	"github.com/tessoudali/nado/config"
	"github.com/tessoudali/nado/consensus"
	"github.com/tessoudali/nado/events"
	"github.com/tessoudali/nado/network"
	"github.com/tessoudali/nado/node"
	"github.com/tessoudali/nado/storage"
	"github.com/tessoudali/nado/wallet"
)

var log = logger.WithFields(logger.Fields{"prefix": "node"})

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "keys.dat", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new key and exit")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("NADO_PASSWORD")
	if password == "" {
		log.Warn("NADO_PASSWORD not set — keystore will use an empty password")
	}

	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Address: %s\n", w.Address())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	cfg := loadConfig(*cfgPath)

	if err := config.MakeFolders(cfg); err != nil {
		log.Fatalf("folders: %v", err)
	}

	// ---- keys ----
	if !wallet.KeyfileFound(*keyPath) {
		w, err := wallet.Generate()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			log.Fatalf("save key: %v", err)
		}
	}
	privKey, err := wallet.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}
	w := wallet.New(privKey)
	log.Infof("Key location: %s", *keyPath)

	// ---- storage ----
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	chain := storage.NewChainStore(db)
	ledger := storage.NewLedger(db)
	peers := storage.NewPeerStore(db, cfg.MinTrust, cfg.MaxTrust)

	// ---- genesis (fresh chain only) ----
	latestHash, err := chain.GetLatestHash()
	if err != nil {
		log.Fatalf("read chain tip: %v", err)
	}
	if latestHash == "" {
		genesisBlock, err := config.MakeGenesis(cfg, chain, ledger)
		if err != nil {
			log.Fatalf("genesis: %v", err)
		}
		log.Infof("Genesis block committed: %s", genesisBlock.BlockHash)
	}

	// ---- self peer record ----
	if err := peers.SavePeer(storage.PeerRecord{
		IP:      cfg.IP,
		Address: w.Address(),
		Port:    cfg.Port,
		Trust:   cfg.SelfTrust,
	}, false); err != nil {
		log.Fatalf("save self peer: %v", err)
	}

	// ---- shared state ----
	memserver, err := node.NewMemServer(cfg, chain, ledger, peers, w.Address(), w.PubKeyHex())
	if err != nil {
		log.Fatalf("memserver: %v", err)
	}
	memserver.SetPeers(cfg.SeedIPs)

	log.Infof("NADO version %s started", memserver.Version)
	log.Infof("Your address: %s", memserver.Address)
	log.Infof("Your IP: %s", memserver.IP)

	// ---- loops ----
	bus := events.NewBus()
	client := network.NewClient(cfg.Port, cfg.IP)
	cons := consensus.NewConsensusClient(memserver, client)
	core := consensus.NewCoreClient(memserver, cons, client, bus, cfg)
	peerLoop := network.NewPeerClient(memserver, client)
	messages := network.NewMessageClient(memserver, cons, bus, consensus.PenaltyListUpdate)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, run := range []func(<-chan struct{}){cons.Run, core.Run, peerLoop.Run, messages.Run} {
		wg.Add(1)
		go func(run func(<-chan struct{})) {
			defer wg.Done()
			run(done)
		}(run)
	}

	// ---- API ----
	log.Info("Starting Request Handler")
	handler := api.NewHandler(cfg, memserver, cons, client)
	server := api.NewServer(fmt.Sprintf(":%d", cfg.Port), handler)
	if err := server.Start(); err != nil {
		log.Fatalf("port %d already in use, exiting: %v", cfg.Port, err)
	}
	defer server.Stop()

	// ---- shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
waitLoop:
	for {
		select {
		case sig := <-sigCh:
			log.Infof("Terminating: %v", sig)
			memserver.Terminate()
			break waitLoop
		case <-ticker.C:
			// The /terminate endpoint flips the flag without a signal.
			if memserver.Terminating() {
				break waitLoop
			}
		}
	}

	close(done)
	wg.Wait()
	log.Info("Shutdown complete.")
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig()
		}
		log.Fatalf("config: %v", err)
	}
	return cfg
}
