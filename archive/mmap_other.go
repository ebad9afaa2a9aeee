//go:build !unix

package archive

import "os"

type mapping struct {
	data []byte
}

func mapFile(path string) (*mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &mapping{data: data}, nil
}

func (m *mapping) close() error {
	m.data = nil
	return nil
}

func (m *mapping) protectReadOnly(region []byte) error {
	return nil
}
