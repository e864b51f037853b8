package reconciler

import "sync"

// voterLocks marks the voters with a cast or a sync of their record in
// progress. A voter is held from the record lookup until the outcome is
// written to the store.
type voterLocks struct {
	mu     sync.Mutex
	voters map[string]struct{}
}

func newVoterLocks() *voterLocks {
	return &voterLocks{voters: make(map[string]struct{})}
}

// tryLock holds voterID and returns true, or returns false if it is held.
func (l *voterLocks) tryLock(voterID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.voters[voterID]; ok {
		return false
	}
	l.voters[voterID] = struct{}{}
	return true
}

func (l *voterLocks) unlock(voterID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.voters, voterID)
}
