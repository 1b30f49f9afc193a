//go:build !linux && !darwin

package crypto

func memlockLimit() uint64 {
	return 0
}
