package api

import (
	"fmt"
	"net/url"
	"strings"
)

// Route constants for the API endpoints

const (
	// Health endpoints
	PingEndpoint = "/ping" // Health check endpoint

	// Cast endpoint
	CastEndpoint = "/cast" // POST: cast a ballot

	// Ledger read endpoints
	TxHashURLParam      = "txHash"                                   // URL parameter for transaction hash
	BallotIndexURLParam = "index"                                    // URL parameter for ballot index
	PartyIDURLParam     = "partyId"                                  // URL parameter for party ID
	VoterIDURLParam     = "voterOpaqueId"                            // URL parameter for voter opaque ID
	TxEndpoint          = "/tx/{" + TxHashURLParam + "}"             // GET: transaction status
	BallotEndpoint      = "/ballot/{" + BallotIndexURLParam + "}"    // GET: ledger ballot
	PartyVotesEndpoint  = "/parties/{" + PartyIDURLParam + "}/votes" // GET: party vote count
	VoterVotedEndpoint  = "/voters/{" + VoterIDURLParam + "}/voted"  // GET: whether the voter is on the ledger

	// Reconciliation endpoints
	BlockchainStatusEndpoint = "/blockchain/status" // GET: local and ledger counters
	BlockchainSyncEndpoint   = "/blockchain/sync"   // GET, POST: run a sync pass
	BlockchainVerifyEndpoint = "/blockchain/verify" // GET: consistency report
)

// EndpointWithParam creates an endpoint URL by replacing the parameter
// placeholder with the actual value. Used to build fully qualified
// endpoint URLs.
func EndpointWithParam(path, key, param string) string {
	rawKey := fmt.Sprintf("{%s}", key)

	// Always try to replace the placeholder, even if it's after the '?'
	if strings.Contains(path, rawKey) {
		return strings.Replace(path, rawKey, url.PathEscape(param), 1)
	}

	// Fallback: add as query param
	escapedKey := url.QueryEscape(key)
	escapedVal := url.QueryEscape(param)

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return fmt.Sprintf("%s%s%s=%s", path, sep, escapedKey, escapedVal)
}

// LogExcludedPrefixes defines URL prefixes to exclude from request logging
var LogExcludedPrefixes = []string{
	PingEndpoint,
}
