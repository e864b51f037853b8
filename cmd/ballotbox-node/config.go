package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vocdoni/ballotbox/config"
	"github.com/vocdoni/ballotbox/db"
	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/reconciler"
	"github.com/vocdoni/ballotbox/web3/txmanager"
)

// Version is the build version, set at build time with -ldflags
var Version = "dev"

// Config holds the application configuration
type Config struct {
	Web3      Web3Config
	Ballot    BallotConfig
	API       APIConfig
	Reconcile ReconcileConfig
	DB        DBConfig
	Log       LogConfig
	Datadir   string
	Mode      string
}

// Web3Config holds the ledger related configuration
type Web3Config struct {
	PrivKey        string        `mapstructure:"privkey"`
	Rpc            []string      `mapstructure:"rpc"`
	Contract       string        `mapstructure:"contract"`
	Deployment     string        `mapstructure:"deployment"`
	GasPolicy      string        `mapstructure:"gaspolicy"`
	GasPrice       uint64        `mapstructure:"gasprice"`
	MaxGasPrice    uint64        `mapstructure:"maxgasprice"`
	GasLimit       uint64        `mapstructure:"gaslimit"`
	ConfirmTimeout time.Duration `mapstructure:"confirmtimeout"`
}

// BallotConfig holds the ballot sealing and nullifier configuration
type BallotConfig struct {
	AuthorityKey  string `mapstructure:"authoritykey"`
	NullifierSalt string `mapstructure:"nullifiersalt"`
}

// APIConfig holds the API-specific configuration
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ReconcileConfig holds the periodic reconciliation configuration
type ReconcileConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
}

// DBConfig holds the vote store database configuration
type DBConfig struct {
	Type string `mapstructure:"type"`
	URI  string `mapstructure:"uri"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Output    string `mapstructure:"output"`
	ErrorFile string `mapstructure:"errorfile"`
}

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig() (*Config, error) {
	v := viper.New()

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, config.DefaultDatadir)

	v.SetDefault("web3.rpc", []string{config.DefaultRPC})
	v.SetDefault("web3.gaspolicy", config.DefaultGasPolicy)
	v.SetDefault("web3.confirmtimeout", config.DefaultConfirmTimeout)
	v.SetDefault("api.host", config.DefaultAPIHost)
	v.SetDefault("api.port", config.DefaultAPIPort)
	v.SetDefault("reconcile.interval", config.DefaultReconcileInterval)
	v.SetDefault("reconcile.concurrency", reconciler.DefaultConcurrency)
	v.SetDefault("db.type", db.TypePebble)
	v.SetDefault("log.level", config.DefaultLogLevel)
	v.SetDefault("log.output", config.DefaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)
	v.SetDefault("mode", config.ModeProduction)

	flag.StringP("web3.privkey", "k", "", "private key of the account submitting ballots (required)")
	flag.StringSliceP("web3.rpc", "w", []string{config.DefaultRPC}, "web3 rpc endpoint(s), comma-separated")
	flag.StringP("web3.contract", "c", "", "ballot box contract address (overrides the deployment descriptor)")
	flag.String("web3.deployment", "", fmt.Sprintf("deployment descriptor path (default <datadir>/%s)", config.DeploymentFile))
	flag.String("web3.gaspolicy", config.DefaultGasPolicy, "fee pricing policy (auto, legacy, dynamic)")
	flag.Uint64("web3.gasprice", 0, "fixed legacy gas price in gwei (0 uses the node suggestion)")
	flag.Uint64("web3.maxgasprice", 0, "gas price cap in gwei (0 means no cap)")
	flag.Uint64("web3.gaslimit", 0, "fixed gas limit of a ballot submission (0 estimates it)")
	flag.Duration("web3.confirmtimeout", config.DefaultConfirmTimeout, "time to wait for a submission receipt")
	flag.StringP("ballot.authoritykey", "e", "", "hex encoded public key of the tally authority (required)")
	flag.String("ballot.nullifiersalt", "", "secret salt mixed into voter nullifiers (required in production)")
	flag.StringP("api.host", "a", config.DefaultAPIHost, "API host")
	flag.IntP("api.port", "p", config.DefaultAPIPort, "API port")
	flag.Duration("reconcile.interval", config.DefaultReconcileInterval, "periodic sync and verify interval (0 disables it)")
	flag.Int("reconcile.concurrency", reconciler.DefaultConcurrency, "concurrent ledger reads of a verification pass")
	flag.String("db.type", db.TypePebble, fmt.Sprintf("vote store database (%s, %s, %s)", db.TypePebble, db.TypeInMem, db.TypeMongo))
	flag.String("db.uri", "", "database URI, only used by mongodb")
	flag.StringP("log.level", "l", config.DefaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", config.DefaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.String("log.errorfile", "", "file to write warning and error logs to")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for database and deployment files")
	flag.StringP("mode", "m", config.ModeProduction, fmt.Sprintf("run mode %v", config.AvailableModes))

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ballotbox-node %s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: ballotbox-node [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  uppercased, prefixed with BALLOTBOX_ and with dots (.) replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, BALLOTBOX_WEB3_PRIVKEY or BALLOTBOX_BALLOT_NULLIFIERSALT\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Start against a local development chain\n")
		fmt.Fprintf(os.Stderr, "  ballotbox-node --mode=development --web3.privkey=0x123... --ballot.authoritykey=0xabc...\n\n")
		fmt.Fprintf(os.Stderr, "  # Start with custom RPC endpoints and contract\n")
		fmt.Fprintf(os.Stderr, "  ballotbox-node --web3.privkey=0x123... --web3.rpc=https://rpc1.com,https://rpc2.com --web3.contract=0x456...\n")
	}

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("BALLOTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.Web3.Deployment == "" {
		cfg.Web3.Deployment = filepath.Join(cfg.Datadir, config.DeploymentFile)
	}
	return cfg, nil
}

// validateConfig validates the loaded configuration. In development mode a
// missing nullifier salt falls back to the development default.
func validateConfig(cfg *Config) error {
	if cfg.Web3.PrivKey == "" {
		return fmt.Errorf("private key is required (use --web3.privkey flag or BALLOTBOX_WEB3_PRIVKEY environment variable)")
	}
	if cfg.Ballot.AuthorityKey == "" {
		return fmt.Errorf("authority public key is required (use --ballot.authoritykey flag or BALLOTBOX_BALLOT_AUTHORITYKEY environment variable)")
	}
	if !slices.Contains(config.AvailableModes, cfg.Mode) {
		return fmt.Errorf("invalid mode %s, available modes: %v", cfg.Mode, config.AvailableModes)
	}
	if cfg.Ballot.NullifierSalt == "" {
		if cfg.Mode != config.ModeDevelopment {
			return fmt.Errorf("nullifier salt is required in %s mode (use --ballot.nullifiersalt flag or BALLOTBOX_BALLOT_NULLIFIERSALT environment variable)", cfg.Mode)
		}
		log.Warnw("no nullifier salt configured, using the development default")
		cfg.Ballot.NullifierSalt = config.DevNullifierSalt
	}
	if len(cfg.Web3.Rpc) == 0 {
		return fmt.Errorf("at least one web3 rpc endpoint is required")
	}
	if cfg.Web3.Contract != "" && !common.IsHexAddress(cfg.Web3.Contract) {
		return fmt.Errorf("invalid contract address %q", cfg.Web3.Contract)
	}
	if _, err := txmanager.ParseGasPolicy(cfg.Web3.GasPolicy); err != nil {
		return err
	}
	if cfg.Web3.MaxGasPrice > 0 && cfg.Web3.GasPrice > cfg.Web3.MaxGasPrice {
		return fmt.Errorf("gas price %d gwei exceeds the cap of %d gwei", cfg.Web3.GasPrice, cfg.Web3.MaxGasPrice)
	}
	if cfg.Reconcile.Interval < 0 {
		return fmt.Errorf("invalid reconcile interval %s", cfg.Reconcile.Interval)
	}
	switch cfg.DB.Type {
	case db.TypePebble, db.TypeInMem:
	case db.TypeMongo:
		if cfg.DB.URI == "" {
			return fmt.Errorf("db.uri is required for the %s database", db.TypeMongo)
		}
	default:
		return fmt.Errorf("invalid database type %s", cfg.DB.Type)
	}
	if !log.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("invalid log level %s", cfg.Log.Level)
	}
	return nil
}
