package deploy

import "sync"

// appLocks hands out one mutex per application id so deployments of the
// same application never interleave while different applications proceed
// in parallel.
type appLocks struct {
	locks sync.Map
}

func (l *appLocks) tryLock(appID string) (func(), bool) {
	v, _ := l.locks.LoadOrStore(appID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}
