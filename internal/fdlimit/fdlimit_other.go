//go:build !(linux || darwin)

package fdlimit

// Raise is a no-op on platforms without configurable fd limits
func Raise(target uint64) {}
