package crypto

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

// Keys created past the memlock limit must not disturb keys already in use.
func TestSymmetricKey_ManyKeysUnderMemlockLimit(t *testing.T) {
	first, err := NewSymmetricKey()
	if err != nil {
		t.Fatalf("NewSymmetricKey() error = %v", err)
	}
	defer first.Destroy()

	var old unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &old); err != nil {
		t.Skipf("getrlimit: %v", err)
	}
	low := old
	if low.Cur > 64<<10 {
		low.Cur = 64 << 10
	}
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &low); err != nil {
		t.Skipf("setrlimit: %v", err)
	}
	t.Cleanup(func() {
		unix.Setrlimit(unix.RLIMIT_MEMLOCK, &old)
		resetKeyOps(memlockLimit())
	})
	resetKeyOps(memlockLimit())

	const n = 256
	keys := make([]*SymmetricKey, 0, n)
	for i := 0; i < n; i++ {
		k, err := NewSymmetricKey()
		if err != nil {
			t.Fatalf("NewSymmetricKey() #%d error = %v", i, err)
		}
		keys = append(keys, k)
	}
	defer func() {
		for _, k := range keys {
			k.Destroy()
		}
	}()

	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(i int, k *SymmetricKey) {
			defer wg.Done()
			msg := []byte(fmt.Sprintf("message %d", i))
			ct, err := k.Encrypt(msg)
			if err != nil {
				t.Errorf("Encrypt() #%d error = %v", i, err)
				return
			}
			pt, err := k.Decrypt(ct)
			if err != nil || !bytes.Equal(pt, msg) {
				t.Errorf("Decrypt() #%d = %q, %v", i, pt, err)
			}
		}(i, k)
	}
	wg.Wait()

	if !first.Alive() {
		t.Fatal("first key destroyed after creating many keys")
	}
	ct, err := first.Encrypt([]byte("still here"))
	if err != nil {
		t.Fatalf("first.Encrypt() error = %v", err)
	}
	if pt, err := first.Decrypt(ct); err != nil || string(pt) != "still here" {
		t.Errorf("first.Decrypt() = %q, %v", pt, err)
	}
}
