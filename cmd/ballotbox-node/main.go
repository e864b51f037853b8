package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/vocdoni/ballotbox/api"
	"github.com/vocdoni/ballotbox/caster"
	"github.com/vocdoni/ballotbox/crypto/sealer"
	ethSigner "github.com/vocdoni/ballotbox/crypto/signatures/ethereum"
	"github.com/vocdoni/ballotbox/db"
	"github.com/vocdoni/ballotbox/db/metadb"
	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/reconciler"
	"github.com/vocdoni/ballotbox/service"
	"github.com/vocdoni/ballotbox/storage"
	"github.com/vocdoni/ballotbox/web3"
	"github.com/vocdoni/ballotbox/web3/contract"
	"github.com/vocdoni/ballotbox/web3/txmanager"
)

const mongoDatabase = "ballotbox"

// Services holds all the running services
type Services struct {
	Ledger     *web3.LedgerClient
	Storage    *storage.Storage
	Engine     *reconciler.Engine
	API        *service.APIService
	Reconciler *service.ReconcilerService
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	var errorOutput io.Writer
	if cfg.Log.ErrorFile != "" {
		f, err := os.OpenFile(cfg.Log.ErrorFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening error log file: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = f.Close() }()
		errorOutput = f
	}
	log.Init(cfg.Log.Level, cfg.Log.Output, errorOutput)
	log.Infow("starting ballotbox-node", "version", Version, "mode", cfg.Mode)

	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := setupServices(ctx, cfg)
	if err != nil {
		shutdownServices(services)
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// loadDeployment returns the contract deployment to use. A configured
// address wins over the descriptor, and is cached in it when the descriptor
// does not exist yet.
func loadDeployment(cfg *Config) (*contract.Deployment, error) {
	if cfg.Web3.Contract != "" {
		d := &contract.Deployment{Address: common.HexToAddress(cfg.Web3.Contract)}
		if _, err := os.Stat(cfg.Web3.Deployment); errors.Is(err, os.ErrNotExist) {
			if err := contract.SaveDeployment(cfg.Web3.Deployment, d); err != nil {
				log.Warnw("could not cache deployment descriptor", "path", cfg.Web3.Deployment, "error", err)
			}
		}
		return d, nil
	}
	d, err := contract.LoadDeployment(cfg.Web3.Deployment)
	if err != nil {
		return nil, fmt.Errorf("no contract address configured: %w", err)
	}
	return d, nil
}

func gweiToWei(gwei uint64) *big.Int {
	if gwei == 0 {
		return nil
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(gwei), big.NewInt(params.GWei))
}

func openDatabase(cfg *Config) (db.Database, error) {
	opts := db.Options{Path: filepath.Join(cfg.Datadir, "votes")}
	if cfg.DB.Type == db.TypeMongo {
		opts = db.Options{Path: mongoDatabase, URI: cfg.DB.URI}
	}
	return metadb.New(cfg.DB.Type, opts)
}

// setupServices initializes and starts all required services
func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	services := &Services{}

	log.Infow("initializing storage", "datadir", cfg.Datadir, "type", cfg.DB.Type)
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	services.Storage = storage.New(database)

	deployment, err := loadDeployment(cfg)
	if err != nil {
		return services, err
	}
	contractABI, err := deployment.ParsedABI()
	if err != nil {
		return services, fmt.Errorf("invalid deployment descriptor: %w", err)
	}
	signer, err := ethSigner.NewSignerFromHex(cfg.Web3.PrivKey)
	if err != nil {
		return services, fmt.Errorf("failed to load private key: %w", err)
	}
	gasPolicy, err := txmanager.ParseGasPolicy(cfg.Web3.GasPolicy)
	if err != nil {
		return services, err
	}

	log.Info("initializing ledger client")
	services.Ledger, err = web3.New(ctx, web3.Config{
		RPCs:           cfg.Web3.Rpc,
		Contract:       deployment.Address,
		ABI:            contractABI,
		Signer:         signer,
		GasPolicy:      gasPolicy,
		GasPrice:       gweiToWei(cfg.Web3.GasPrice),
		MaxGasPrice:    gweiToWei(cfg.Web3.MaxGasPrice),
		GasLimit:       cfg.Web3.GasLimit,
		ConfirmTimeout: cfg.Web3.ConfirmTimeout,
	})
	if err != nil {
		return services, fmt.Errorf("failed to initialize ledger client: %w", err)
	}

	ballotSealer, err := sealer.New(cfg.Ballot.AuthorityKey)
	if err != nil {
		return services, fmt.Errorf("failed to load authority key: %w", err)
	}
	voteCaster, err := caster.New(services.Ledger, ballotSealer, cfg.Ballot.NullifierSalt)
	if err != nil {
		return services, fmt.Errorf("failed to create vote caster: %w", err)
	}
	services.Engine = reconciler.New(services.Storage, voteCaster, services.Ledger, reconciler.Config{
		Concurrency: cfg.Reconcile.Concurrency,
	})

	if cfg.Reconcile.Interval > 0 {
		log.Infow("starting reconciler service", "interval", cfg.Reconcile.Interval.String())
		services.Reconciler = service.NewReconciler(services.Engine, cfg.Reconcile.Interval)
		if err := services.Reconciler.Start(ctx); err != nil {
			return services, fmt.Errorf("failed to start reconciler service: %w", err)
		}
	}

	log.Infow("starting API service", "host", cfg.API.Host, "port", cfg.API.Port)
	services.API = service.NewAPI(api.APIConfig{
		Host:   cfg.API.Host,
		Port:   cfg.API.Port,
		Engine: services.Engine,
		Ledger: services.Ledger,
		Voters: voteCaster,
	}, log.Level() != log.LogLevelDebug)
	if err := services.API.Start(ctx); err != nil {
		return services, fmt.Errorf("failed to start API service: %w", err)
	}

	log.Infow("ballotbox-node is running, ready to cast ballots",
		"contract", deployment.Address.Hex(),
		"account", services.Ledger.AccountAddress().Hex())
	return services, nil
}

// shutdownServices gracefully shuts down all services
func shutdownServices(services *Services) {
	if services == nil {
		return
	}

	// Stop services in reverse order of startup
	if services.API != nil {
		services.API.Stop()
	}
	if services.Reconciler != nil {
		services.Reconciler.Stop()
	}
	if services.Ledger != nil {
		services.Ledger.Close()
	}
	if services.Storage != nil {
		services.Storage.Close()
	}
}
