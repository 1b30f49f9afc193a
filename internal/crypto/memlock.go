package crypto

import (
	"context"
	"os"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const (
	// keyOpPages is the number of locked pages a key operation holds at
	// once: the enclave's coffer key view and the opened key buffer.
	keyOpPages = 2

	// reservedLockedPages covers the memguard coffer and guard state.
	reservedLockedPages = 8

	// MaxKeyOps caps concurrent key operations when memlock is unlimited.
	MaxKeyOps = 16
)

var keyOps atomic.Pointer[semaphore.Weighted]

// KeyOpSlots returns how many key operations may hold locked memory at the
// same time under a memlock limit of limit bytes. Zero means no limit.
func KeyOpSlots(limit uint64) int {
	if limit == 0 {
		return MaxKeyOps
	}
	pages := limit / uint64(os.Getpagesize())
	if pages < reservedLockedPages+keyOpPages {
		return 1
	}
	return min(int((pages-reservedLockedPages)/keyOpPages), MaxKeyOps)
}

// MemlockLimit returns the process RLIMIT_MEMLOCK soft limit in bytes, or
// zero when it is unlimited or unknown.
func MemlockLimit() uint64 {
	return memlockLimit()
}

func resetKeyOps(limit uint64) {
	keyOps.Store(semaphore.NewWeighted(int64(KeyOpSlots(limit))))
}

// acquireKeyOp blocks until a key operation may lock memory. memguard
// panics and purges every buffer when mlock fails, so locked allocations
// must stay within the limit.
func acquireKeyOp() (release func()) {
	sem := keyOps.Load()
	if sem == nil {
		keyOps.CompareAndSwap(nil, semaphore.NewWeighted(int64(KeyOpSlots(memlockLimit()))))
		sem = keyOps.Load()
	}
	_ = sem.Acquire(context.Background(), 1)
	return func() { sem.Release(1) }
}
