// Package main provides vaultd, a daemon that holds the owner side of a
// vault registry and, over a local JSON-RPC + WebSocket API, exposes MuSig2
// vault creation, the vault list, and block-height/fee-estimate queries
// against a Bitcoin data backend. It registers no inherit or blind-signing
// methods and does not evaluate heartbeats.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/nostring-labs/vault-core/internal/backend"
	"github.com/nostring-labs/vault-core/internal/ccd"
	vaultconfig "github.com/nostring-labs/vault-core/internal/config"
	"github.com/nostring-labs/vault-core/internal/storage"
	"github.com/nostring-labs/vault-core/internal/transport"
	"github.com/nostring-labs/vault-core/internal/vault"
	"github.com/nostring-labs/vault-core/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.nostring-vault", "Data directory")
		listenAddr  = flag.String("listen", "", "JSON-RPC/WebSocket listen address, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet instead of mainnet")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("vaultd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := vaultconfig.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	if *testnet {
		cfg.Network = vaultconfig.Testnet
	}
	if *listenAddr != "" {
		cfg.Transport.ListenAddr = *listenAddr
	}
	cfg.Logging.Level = *logLevel

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", vaultconfig.ConfigPath(*dataDir), "network", cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("failed to initialize storage", "error", err)
	}
	defer store.Close()

	networkParams, err := cfg.Network.Params()
	if err != nil {
		log.Fatal("invalid network", "error", err)
	}

	backendCfg := backend.DefaultConfig(cfg.Network)
	chainBackend, err := backend.New(backendCfg, cfg.Network)
	if err != nil {
		log.Fatal("failed to construct blockchain backend", "error", err)
	}
	if err := chainBackend.Connect(ctx); err != nil {
		log.Warn("backend did not connect at startup; will retry lazily on first use", "error", err)
	} else {
		log.Info("blockchain backend connected", "type", chainBackend.Type())
	}

	srv := newAPIServer(store, chainBackend, networkParams, cfg.Network, log)

	mux := http.NewServeMux()
	mux.Handle("/rpc", srv)
	mux.HandleFunc("/ws", srv.hub.ServeWS)

	httpServer := &http.Server{Addr: cfg.Transport.ListenAddr, Handler: mux}

	go func() {
		log.Infof("listening on http://%s (RPC /rpc, events /ws)", cfg.Transport.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", "error", err)
		}
	}()

	printBanner(log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error during http shutdown", "error", err)
	}
	log.Info("goodbye")
}

// apiServer wires the transport dispatch server to the vault registry,
// the cryptographic core packages, and the configured blockchain backend.
type apiServer struct {
	*transport.Server
	hub         *transport.WSHub
	store       *storage.Storage
	backend     backend.Backend
	network     *chaincfg.Params
	networkName vaultconfig.NetworkType
	log         *logging.Logger
}

func newAPIServer(store *storage.Storage, be backend.Backend, network *chaincfg.Params, networkName vaultconfig.NetworkType, log *logging.Logger) *apiServer {
	s := &apiServer{
		Server:      transport.NewServer(),
		store:       store,
		backend:     be,
		network:     network,
		networkName: networkName,
		log:         log,
	}
	s.hub = s.Server.Hub()

	s.Register("vault.create_musig2", s.handleCreateVaultMuSig2)
	s.Register("vault.list", s.handleListVaults)
	s.Register("chain.height", s.handleChainHeight)
	s.Register("chain.fee_estimates", s.handleFeeEstimates)

	return s
}

type createVaultParams struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	OwnerPubKey    string `json:"owner_pubkey"`
	CosignerPubKey string `json:"cosigner_pubkey"`
	AddressIndex   uint32 `json:"address_index"`
}

func (s *apiServer) handleCreateVaultMuSig2(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p createVaultParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	ownerPub, err := parseHexPubKey(p.OwnerPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid owner_pubkey: %w", err)
	}
	cosignerPub, err := parseHexPubKey(p.CosignerPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid cosigner_pubkey: %w", err)
	}

	delegated, err := ccd.RegisterCosigner(cosignerPub, p.Label)
	if err != nil {
		return nil, err
	}

	v, err := vault.CreateVaultMuSig2(ownerPub, delegated, p.AddressIndex, s.network)
	if err != nil {
		return nil, err
	}

	rec := storage.VaultRecord{
		ID:             p.ID,
		Label:          p.Label,
		Network:        string(s.networkName),
		VaultType:      "musig2",
		Address:        v.Address.String(),
		OwnerPubKey:    p.OwnerPubKey,
		CosignerPubKey: p.CosignerPubKey,
		AddressIndex:   p.AddressIndex,
	}
	if err := s.store.SaveVault(rec); err != nil {
		return nil, err
	}

	s.hub.Broadcast(transport.EventVaultCreated, map[string]string{"id": p.ID, "address": v.Address.String()})
	s.log.Info("vault created", "id", p.ID, "address", v.Address.String())

	return map[string]string{"id": p.ID, "address": v.Address.String()}, nil
}

func (s *apiServer) handleListVaults(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return s.store.ListVaults()
}

func (s *apiServer) handleChainHeight(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	height, err := s.backend.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"height": height}, nil
}

func (s *apiServer) handleFeeEstimates(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return s.backend.GetFeeEstimates(ctx)
}

func parseHexPubKey(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(b)
}

func printBanner(log *logging.Logger, cfg *vaultconfig.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  nostring-vault daemon (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Infof("  RPC:  http://%s/rpc", cfg.Transport.ListenAddr)
	log.Infof("  Events: ws://%s/ws", cfg.Transport.ListenAddr)
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("=================================================")
	log.Info("")
}
