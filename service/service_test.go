package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/ballotbox/api"
	"github.com/vocdoni/ballotbox/reconciler"
	"github.com/vocdoni/ballotbox/types"
	"github.com/vocdoni/ballotbox/web3"
)

type mockEngine struct {
	mu       sync.Mutex
	syncs    int
	verifies int
	syncErr  error
}

func (m *mockEngine) Sync(context.Context) (*reconciler.SyncSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	if m.syncErr != nil {
		return nil, m.syncErr
	}
	return &reconciler.SyncSummary{}, nil
}

func (m *mockEngine) Verify(context.Context) (*reconciler.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifies++
	return &reconciler.Report{Consistent: true}, nil
}

func (m *mockEngine) Cast(context.Context, string, uint64) (*reconciler.CastResult, error) {
	return nil, errors.New("not implemented")
}

func (m *mockEngine) Status(context.Context) (*reconciler.Status, error) {
	return &reconciler.Status{Connected: true}, nil
}

func (m *mockEngine) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs, m.verifies
}

func TestReconcilerService(t *testing.T) {
	c := qt.New(t)
	engine := &mockEngine{syncErr: errors.New("store closed")}
	rs := NewReconciler(engine, 20*time.Millisecond)

	c.Assert(rs.Start(context.Background()), qt.IsNil)
	c.Assert(rs.Start(context.Background()), qt.ErrorMatches, "service already running")
	for range 3 {
		select {
		case <-rs.Passes():
		case <-time.After(2 * time.Second):
			c.Fatal("timeout waiting for reconcile pass")
		}
	}
	rs.Stop()
	syncs, verifies := engine.counts()
	c.Assert(syncs >= 3, qt.IsTrue)
	// a failed sync does not skip verification
	c.Assert(verifies, qt.Equals, syncs)

	c.Assert(NewReconciler(engine, 0).Start(context.Background()), qt.IsNotNil)
}

func TestAPIService(t *testing.T) {
	c := qt.New(t)
	engine := &mockEngine{}
	as := NewAPI(api.APIConfig{
		Host:   "127.0.0.1",
		Port:   0,
		Engine: engine,
		Ledger: nopLedger{},
		Voters: nopLedger{},
	}, true)
	c.Assert(as.Start(context.Background()), qt.IsNil)
	c.Assert(as.Start(context.Background()), qt.IsNotNil)

	resp, err := http.Get(fmt.Sprintf("http://%s%s", as.Addr(), api.PingEndpoint))
	c.Assert(err, qt.IsNil)
	_ = resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)

	as.Stop()
	_, err = http.Get(fmt.Sprintf("http://%s%s", as.Addr(), api.PingEndpoint))
	c.Assert(err, qt.IsNotNil)
}

type nopLedger struct{}

func (nopLedger) TransactionStatus(context.Context, common.Hash) (*types.TxStatus, error) {
	return nil, web3.ErrNotFound
}

func (nopLedger) BallotByIndex(context.Context, uint64) (*types.LedgerBallot, error) {
	return nil, web3.ErrNotFound
}

func (nopLedger) PartyVoteCount(context.Context, uint64) (uint64, error) {
	return 0, nil
}

func (nopLedger) HasVoted(context.Context, string) (bool, error) {
	return false, nil
}
