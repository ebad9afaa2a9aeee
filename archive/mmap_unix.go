//go:build unix

package archive

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapping is a file's bytes, either mapped or read into memory.
type mapping struct {
	data   []byte
	mapped bool
}

// mapFile maps path copy-on-write: relocation writes stay private to this
// process and never reach the file.
func mapFile(path string) (*mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrCorrupt)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		// Some filesystems cannot be mapped; read the file instead.
		imageLog.Debugf("mmap %s failed, reading instead: %v", path, err)
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return &mapping{data: data}, nil
	}
	return &mapping{data: data, mapped: true}, nil
}

func (m *mapping) close() error {
	if !m.mapped || m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// protectReadOnly makes a relocated region read-only. Only mapped regions
// starting on a page boundary can be protected.
func (m *mapping) protectReadOnly(region []byte) error {
	if !m.mapped || len(region) == 0 {
		return nil
	}
	return unix.Mprotect(region, unix.PROT_READ)
}
