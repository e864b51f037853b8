package main

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/ballotbox/config"
	"github.com/vocdoni/ballotbox/db"
)

func validTestConfig() *Config {
	return &Config{
		Web3: Web3Config{
			PrivKey:   "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
			Rpc:       []string{config.DefaultRPC},
			GasPolicy: config.DefaultGasPolicy,
		},
		Ballot: BallotConfig{
			AuthorityKey:  "0x6f2736b3c8f0a7e8e7d9b1e0bb2bdb2d1f8b1b6a0c9b45b3d4d2a4f0e2c8d1a7",
			NullifierSalt: "salt",
		},
		DB:   DBConfig{Type: db.TypeInMem},
		Log:  LogConfig{Level: config.DefaultLogLevel},
		Mode: config.ModeProduction,
	}
}

func TestValidateConfig(t *testing.T) {
	c := qt.New(t)
	c.Assert(validateConfig(validTestConfig()), qt.IsNil)

	cases := map[string]func(*Config){
		"no private key":   func(cfg *Config) { cfg.Web3.PrivKey = "" },
		"no authority key": func(cfg *Config) { cfg.Ballot.AuthorityKey = "" },
		"no salt":          func(cfg *Config) { cfg.Ballot.NullifierSalt = "" },
		"bad mode":         func(cfg *Config) { cfg.Mode = "staging" },
		"no rpc":           func(cfg *Config) { cfg.Web3.Rpc = nil },
		"bad contract":     func(cfg *Config) { cfg.Web3.Contract = "0x1234" },
		"bad gas policy":   func(cfg *Config) { cfg.Web3.GasPolicy = "cheap" },
		"price over cap": func(cfg *Config) {
			cfg.Web3.GasPrice = 10
			cfg.Web3.MaxGasPrice = 5
		},
		"mongo without uri": func(cfg *Config) { cfg.DB.Type = db.TypeMongo },
		"bad db":            func(cfg *Config) { cfg.DB.Type = "sqlite" },
		"bad log level":     func(cfg *Config) { cfg.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		c.Run(name, func(c *qt.C) {
			cfg := validTestConfig()
			mutate(cfg)
			c.Assert(validateConfig(cfg), qt.IsNotNil)
		})
	}

	c.Run("development salt", func(c *qt.C) {
		cfg := validTestConfig()
		cfg.Mode = config.ModeDevelopment
		cfg.Ballot.NullifierSalt = ""
		c.Assert(validateConfig(cfg), qt.IsNil)
		c.Assert(cfg.Ballot.NullifierSalt, qt.Equals, config.DevNullifierSalt)
	})
}

func TestLoadDeployment(t *testing.T) {
	c := qt.New(t)
	cfg := validTestConfig()
	cfg.Web3.Deployment = c.TempDir() + "/" + config.DeploymentFile

	_, err := loadDeployment(cfg)
	c.Assert(err, qt.IsNotNil)

	cfg.Web3.Contract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	d, err := loadDeployment(cfg)
	c.Assert(err, qt.IsNil)
	c.Assert(d.Address.Hex(), qt.Equals, cfg.Web3.Contract)

	// the address is now cached in the descriptor
	cfg.Web3.Contract = ""
	d, err = loadDeployment(cfg)
	c.Assert(err, qt.IsNil)
	c.Assert(d.Address.Hex(), qt.Equals, "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	_, err = d.ParsedABI()
	c.Assert(err, qt.IsNil)
}

func TestGweiToWei(t *testing.T) {
	c := qt.New(t)
	c.Assert(gweiToWei(0), qt.IsNil)
	c.Assert(gweiToWei(2).String(), qt.Equals, "2000000000")
}
