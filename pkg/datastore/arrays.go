package datastore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/shakeoor/pkg/fsutil"
)

// SetAttr stores a JSON-encodable attribute.
func (s *Store) SetAttr(key string, value any) error {
	if s.readOnly {
		return ErrReadOnly
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding attribute %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.m.Attrs[key] = data

	return s.flush()
}

// Attr decodes an attribute into out.
func (s *Store) Attr(key string, out any) error {
	s.mu.RLock()
	data, ok := s.m.Attrs[key]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("attribute %s: %w", key, ErrNotFound)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding attribute %s: %w", key, err)
	}

	return nil
}

// AttrFromManifest decodes one attribute from the raw contents of a
// manifest file, such as one downloaded from object storage.
func AttrFromManifest(data []byte, key string, out any) error {
	m, err := parseManifest(data)
	if err != nil {
		return err
	}

	raw, ok := m.Attrs[key]
	if !ok {
		return fmt.Errorf("attribute %s: %w", key, ErrNotFound)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding attribute %s: %w", key, err)
	}

	return nil
}

// PutArray stores a dense float32 array, replacing any previous one with
// the same name.
func (s *Store) PutArray(name string, shape []int, data []float32) error {
	if s.readOnly {
		return ErrReadOnly
	}

	n := 1
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("array %s: negative dimension in %v", name, shape)
		}

		n *= d
	}

	if n != len(data) {
		return fmt.Errorf("array %s: shape %v needs %d values, got %d", name, shape, n, len(data))
	}

	raw, err := binary.Append(nil, binary.LittleEndian, data)
	if err != nil {
		return fmt.Errorf("encoding array %s: %w", name, err)
	}

	path := filepath.Join(s.dir, arraysDir, name+".snappy")
	if err := fsutil.WriteFileAtomic(path, encodeFrame(raw), 0644, s.owner); err != nil {
		return fmt.Errorf("writing array %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.m.Arrays[name] = &ArrayInfo{Shape: append([]int(nil), shape...)}

	return s.flush()
}

// Array reads a dense float32 array and its shape.
func (s *Store) Array(name string) ([]int, []float32, error) {
	s.mu.RLock()
	info, ok := s.m.Arrays[name]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, fmt.Errorf("array %s: %w", name, ErrNotFound)
	}

	n := 1
	for _, d := range info.Shape {
		n *= d
	}

	raw, err := readFrames(filepath.Join(s.dir, arraysDir, name+".snappy"), uint64(n)*4)
	if err != nil {
		return nil, nil, fmt.Errorf("reading array %s: %w", name, err)
	}

	out := make([]float32, n)
	if _, err := binary.Decode(raw, binary.LittleEndian, out); err != nil {
		return nil, nil, fmt.Errorf("decoding array %s: %w", name, err)
	}

	return append([]int(nil), info.Shape...), out, nil
}

// Arrays returns the manifest entries of all arrays.
func (s *Store) Arrays() map[string]ArrayInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ArrayInfo, len(s.m.Arrays))
	for name, info := range s.m.Arrays {
		out[name] = ArrayInfo{Shape: append([]int(nil), info.Shape...)}
	}

	return out
}

// WriteFile stores an auxiliary file, such as the resolved configuration,
// in the calculation directory.
func (s *Store) WriteFile(name string, data []byte) error {
	if s.readOnly {
		return ErrReadOnly
	}

	return fsutil.WriteFileAtomic(filepath.Join(s.dir, name), data, 0644, s.owner)
}

// ReadFile reads an auxiliary file from the calculation directory.
func (s *Store) ReadFile(name string) ([]byte, error) {
	if name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid file name %q", name)
	}

	return os.ReadFile(filepath.Join(s.dir, name))
}
