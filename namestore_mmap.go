//go:build linux || darwin || windows || openbsd || netbsd || freebsd

package rebind

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pboyd/malloc"
)

const defaultArenaSize = 64 << 10

// arenaStore copies names into an mmap'd arena. The arena lives outside the
// Go heap, so nothing the loader callback reads can be moved or collected
// from under it.
//
// arenaStore is not safe for concurrent use; Rebinder.mu guards it.
type arenaStore struct {
	*malloc.Arena
	size     int
	initOnce sync.Once
	initErr  error
}

func newNameStore(size int) nameStore {
	if size <= 0 {
		size = defaultArenaSize
	}
	return &arenaStore{size: size}
}

func (s *arenaStore) init() error {
	s.initOnce.Do(func() {
		be := malloc.MmapBackend()
		s.Arena = malloc.NewArena(uint64(s.size), malloc.Backend(be))
		if s.Arena == nil {
			s.initErr = errors.New("unable to initialize arena")
		}
	})
	return s.initErr
}

func (s *arenaStore) copyName(name string) ([]byte, error) {
	if name == "" {
		return nil, nil
	}

	err := s.init()
	if err != nil {
		return nil, fmt.Errorf("error initializing name arena: %w", err)
	}

	buf, err := malloc.MallocSlice[byte](s.Arena, len(name))
	if err != nil {
		return nil, err
	}
	buf = buf[:len(name)]
	copy(buf, name)
	return buf, nil
}

func (s *arenaStore) free(name []byte) {
	if len(name) == 0 || s.Arena == nil {
		return
	}
	malloc.FreeSlice(s.Arena, name)
}
