//go:build linux || darwin

package crypto

import "golang.org/x/sys/unix"

func memlockLimit() uint64 {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rl); err != nil {
		return 0
	}
	switch {
	case rl.Cur >= 1<<62:
		return 0
	case rl.Cur == 0:
		return 1
	}
	return rl.Cur
}
