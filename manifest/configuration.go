package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// ConfigurationVersion is the preimage format written by this build.
const ConfigurationVersion = 1

var (
	ErrConfigurationVersion = errors.New("unsupported AOT configuration version")
	ErrStaleConfiguration   = errors.New("AOT configuration was recorded from a different manifest")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("manifest: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Configuration is what a record run observed: the classes each loader
// loaded and initialized, and the methods that became hot. A create run
// replays it to rebuild the same runtime state.
type Configuration struct {
	Version        int             `cbor:"1,keyasint"`
	ManifestDigest []byte          `cbor:"2,keyasint"`
	Loaders        []LoaderClasses `cbor:"3,keyasint"`
	HotMethods     []HotMethod     `cbor:"4,keyasint,omitempty"`
}

// LoaderClasses lists one loader's classes in load order.
type LoaderClasses struct {
	Loader      string   `cbor:"1,keyasint"`
	Loaded      []string `cbor:"2,keyasint"`
	Initialized []string `cbor:"3,keyasint,omitempty"`
}

// HotMethod is a method that crossed the hot threshold.
type HotMethod struct {
	Loader      string `cbor:"1,keyasint"`
	Class       string `cbor:"2,keyasint"`
	Method      string `cbor:"3,keyasint"`
	Descriptor  string `cbor:"4,keyasint"`
	Invocations uint64 `cbor:"5,keyasint"`
	Level       uint8  `cbor:"6,keyasint"`
}

// MarshalConfiguration serializes a Configuration to canonical CBOR.
func MarshalConfiguration(c *Configuration) ([]byte, error) {
	return cborEncMode.Marshal(c)
}

// UnmarshalConfiguration deserializes a Configuration from CBOR bytes.
func UnmarshalConfiguration(data []byte) (*Configuration, error) {
	var c Configuration
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("manifest: unmarshal configuration: %w", err)
	}
	if c.Version != ConfigurationVersion {
		return nil, fmt.Errorf("%w: %d", ErrConfigurationVersion, c.Version)
	}
	return &c, nil
}

// CheckDigest fails with ErrStaleConfiguration unless c was recorded from
// m.
func (c *Configuration) CheckDigest(m *Manifest) error {
	if !bytes.Equal(c.ManifestDigest, m.Digest) {
		return ErrStaleConfiguration
	}
	return nil
}

// Loader returns the class lists of the named loader, or nil.
func (c *Configuration) Loader(name string) *LoaderClasses {
	for i := range c.Loaders {
		if c.Loaders[i].Loader == name {
			return &c.Loaders[i]
		}
	}
	return nil
}

// WriteConfiguration writes c to path through a temporary file, so a
// reader never sees a partial preimage.
func WriteConfiguration(path string, c *Configuration) error {
	data, err := MarshalConfiguration(c)
	if err != nil {
		return fmt.Errorf("manifest: marshal configuration: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("manifest: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("manifest: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("manifest: %w", err)
	}
	return nil
}

// ReadConfiguration reads the preimage at path.
func ReadConfiguration(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	c, err := UnmarshalConfiguration(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
