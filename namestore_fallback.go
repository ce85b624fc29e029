//go:build !(linux || darwin || windows || openbsd || netbsd || freebsd)

package rebind

func newNameStore(int) nameStore {
	return heapStore{}
}
