// Package config holds the defaults shared by the node binaries.
package config

import "time"

const (
	// DefaultRPC is the ledger node endpoint of a local development chain.
	DefaultRPC = "http://127.0.0.1:7545"
	// DevNullifierSalt is the nullifier salt used in development mode when
	// none is configured. It must never be used in production.
	DevNullifierSalt = "change-me-super-secret"
	// DeploymentFile is the name of the deployment descriptor inside the
	// data directory.
	DeploymentFile = "election_deploy.json"

	DefaultAPIHost           = "0.0.0.0"
	DefaultAPIPort           = 9090
	DefaultGasPolicy         = "auto"
	DefaultConfirmTimeout    = 60 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
	DefaultDatadir           = ".ballotbox" // prefixed with the user's home directory
	DefaultLogLevel          = "info"
	DefaultLogOutput         = "stdout"
)

// Mode names.
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// AvailableModes lists the valid run modes.
var AvailableModes = []string{ModeProduction, ModeDevelopment}
