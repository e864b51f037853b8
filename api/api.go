// Package api exposes the HTTP surface of the node: casting ballots, ledger
// reads and the reconciliation reports.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/reconciler"
	"github.com/vocdoni/ballotbox/types"
)

const (
	maxRequestBodyLog = 512 // Maximum length of request body to log
	maxRequestBody    = 64 * 1024
	requestTimeout    = 90 * time.Second
)

// Engine is the reconciliation engine used by the cast and blockchain
// endpoints.
type Engine interface {
	Cast(ctx context.Context, voterID string, partyID uint64) (*reconciler.CastResult, error)
	Sync(ctx context.Context) (*reconciler.SyncSummary, error)
	Verify(ctx context.Context) (*reconciler.Report, error)
	Status(ctx context.Context) (*reconciler.Status, error)
}

// Ledger is the read side of the ledger client.
type Ledger interface {
	TransactionStatus(ctx context.Context, hash common.Hash) (*types.TxStatus, error)
	BallotByIndex(ctx context.Context, index uint64) (*types.LedgerBallot, error)
	PartyVoteCount(ctx context.Context, partyID uint64) (uint64, error)
}

// Voters answers whether a voter has a ballot on the ledger.
type Voters interface {
	HasVoted(ctx context.Context, voterID string) (bool, error)
}

// APIConfig type represents the configuration for the API HTTP server.
type APIConfig struct {
	Host   string
	Port   int
	Engine Engine
	Ledger Ledger
	Voters Voters
}

// API type represents the API HTTP server.
type API struct {
	router *chi.Mux
	engine Engine
	ledger Ledger
	voters Voters
}

// New creates a new API instance with the given configuration. It does not
// listen, the router is served by the API service.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Engine == nil || conf.Ledger == nil || conf.Voters == nil {
		return nil, fmt.Errorf("missing engine, ledger or voters")
	}
	a := &API{
		engine: conf.Engine,
		ledger: conf.Ledger,
		voters: conf.Voters,
	}
	a.initRouter()
	return a, nil
}

// Router returns the chi router of the API.
func (a *API) Router() *chi.Mux {
	return a.router
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		httpWriteOK(w)
	})
	// cast
	log.Infow("register handler", "endpoint", CastEndpoint, "method", "POST")
	a.router.Post(CastEndpoint, a.cast)
	// ledger reads
	log.Infow("register handler", "endpoint", TxEndpoint, "method", "GET")
	a.router.Get(TxEndpoint, a.txStatus)
	log.Infow("register handler", "endpoint", BallotEndpoint, "method", "GET")
	a.router.Get(BallotEndpoint, a.ballot)
	log.Infow("register handler", "endpoint", PartyVotesEndpoint, "method", "GET")
	a.router.Get(PartyVotesEndpoint, a.partyVotes)
	log.Infow("register handler", "endpoint", VoterVotedEndpoint, "method", "GET")
	a.router.Get(VoterVotedEndpoint, a.voterVoted)
	// reconciliation
	log.Infow("register handler", "endpoint", BlockchainStatusEndpoint, "method", "GET")
	a.router.Get(BlockchainStatusEndpoint, a.blockchainStatus)
	log.Infow("register handler", "endpoint", BlockchainSyncEndpoint, "method", "GET,POST")
	a.router.Get(BlockchainSyncEndpoint, a.blockchainSync)
	a.router.Post(BlockchainSyncEndpoint, a.blockchainSync)
	log.Infow("register handler", "endpoint", BlockchainVerifyEndpoint, "method", "GET")
	a.router.Get(BlockchainVerifyEndpoint, a.blockchainVerify)
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(loggingMiddleware(maxRequestBodyLog))
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	a.router.Use(middleware.Timeout(requestTimeout))
	a.router.Use(middleware.RequestSize(maxRequestBody))

	a.registerHandlers()
}
