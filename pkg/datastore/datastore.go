// Package datastore is an append-only columnar store for one calculation.
//
// Every table is a set of equally long columns. Each Extend call writes one
// snappy-compressed little-endian frame per column and then publishes the
// new row count in the manifest, so a concurrent read-only opener never
// sees rows whose frames are incomplete.
package datastore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ethpandaops/shakeoor/pkg/fsutil"
	"github.com/golang/snappy"
	"github.com/sirupsen/logrus"
)

const (
	// ManifestFile describes the tables, arrays and attributes of a
	// calculation directory.
	ManifestFile = "manifest.json"

	lockFile  = ".lock"
	tablesDir = "tables"
	arraysDir = "arrays"

	// MaxTableRows is the largest row count a table may hold: row offsets
	// are stored as unsigned 32-bit integers downstream.
	MaxTableRows uint64 = 1 << 32

	frameHeaderSize = 8
)

var (
	// ErrTableTooLarge is returned when an append would push a table past
	// its row limit.
	ErrTableTooLarge = errors.New("table too large")

	// ErrLocked is returned when another writer holds the directory.
	ErrLocked = errors.New("datastore is locked by another writer")

	// ErrReadOnly is returned for writes through a read-only handle.
	ErrReadOnly = errors.New("datastore is read-only")

	// ErrNotFound is returned for unknown tables, columns, arrays or
	// attributes.
	ErrNotFound = errors.New("not found")
)

// ColumnType is the element type of a column.
type ColumnType string

// Supported column types.
const (
	Uint8   ColumnType = "uint8"
	Uint16  ColumnType = "uint16"
	Uint32  ColumnType = "uint32"
	Uint64  ColumnType = "uint64"
	Float32 ColumnType = "float32"
	Float64 ColumnType = "float64"
)

// Column describes one column of a table.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// TableInfo describes a table in the manifest.
type TableInfo struct {
	Columns []Column `json:"columns"`
	Rows    uint64   `json:"rows"`
}

// ArrayInfo describes a dense float32 array in the manifest.
type ArrayInfo struct {
	Shape []int `json:"shape"`
}

type manifest struct {
	Tables map[string]*TableInfo      `json:"tables"`
	Arrays map[string]*ArrayInfo      `json:"arrays"`
	Attrs  map[string]json.RawMessage `json:"attrs"`
}

// Number is the set of element types a column can hold.
type Number interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRows lowers the per-table row limit.
func WithMaxRows(n uint64) Option {
	return func(s *Store) {
		s.maxRows = n
	}
}

// WithOwner sets the ownership of every file the store writes.
func WithOwner(owner *fsutil.Owner) Option {
	return func(s *Store) {
		s.owner = owner
	}
}

// Store is a calculation directory. A writable Store must have a single
// owner goroutine for its writes; reads are safe from any goroutine.
type Store struct {
	log      logrus.FieldLogger
	dir      string
	owner    *fsutil.Owner
	maxRows  uint64
	readOnly bool
	lock     *os.File

	mu sync.RWMutex
	m  *manifest

	// broken is set when a failed append could not be undone.
	broken error
}

// Create opens dir for writing, creating it if needed. It fails with
// ErrLocked if another writer holds the directory.
func Create(log logrus.FieldLogger, dir string, opts ...Option) (*Store, error) {
	s := &Store{
		log:     log.WithField("component", "datastore"),
		dir:     dir,
		maxRows: MaxTableRows,
	}

	for _, opt := range opts {
		opt(s)
	}

	for _, d := range []string{dir, filepath.Join(dir, tablesDir), filepath.Join(dir, arraysDir)} {
		if err := fsutil.MkdirAll(d, 0755, s.owner); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}

	lock, err := fsutil.CreateExclusive(filepath.Join(dir, lockFile), s.owner)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}

		return nil, fmt.Errorf("creating lock file: %w", err)
	}

	if _, err := lock.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = lock.Close()
		_ = os.Remove(lock.Name())

		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	s.lock = lock

	m, err := readManifest(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = s.Close()

		return nil, err
	}

	s.m = m

	// Publish an empty manifest so readers see the calculation at once.
	if m == nil {
		s.m = newManifest()

		if err := s.flush(); err != nil {
			_ = s.Close()

			return nil, err
		}
	}

	return s, nil
}

// Open opens an existing calculation directory read-only. It does not
// take the writer lock.
func Open(log logrus.FieldLogger, dir string) (*Store, error) {
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}

	return &Store{
		log:      log.WithField("component", "datastore"),
		dir:      dir,
		maxRows:  MaxTableRows,
		readOnly: true,
		m:        m,
	}, nil
}

func newManifest() *manifest {
	return &manifest{
		Tables: make(map[string]*TableInfo, 8),
		Arrays: make(map[string]*ArrayInfo, 8),
		Attrs:  make(map[string]json.RawMessage, 8),
	}
}

func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	return parseManifest(data)
}

func parseManifest(data []byte) (*manifest, error) {
	m := newManifest()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	return m, nil
}

// IsLocked reports whether a writer holds dir.
func IsLocked(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, lockFile))

	return err == nil
}

// LockOwner returns the pid recorded in the writer lock of dir. It fails
// with os.ErrNotExist when dir is not locked.
func LockOwner(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, lockFile))
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing lock file of %s: %w", dir, err)
	}

	return pid, nil
}

// RemoveLock deletes the writer lock left behind by a dead writer.
func RemoveLock(dir string) error {
	err := os.Remove(filepath.Join(dir, lockFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}

	return nil
}

// Dir returns the calculation directory.
func (s *Store) Dir() string {
	return s.dir
}

// Close releases the writer lock. It is a no-op for read-only stores.
func (s *Store) Close() error {
	if s.readOnly || s.lock == nil {
		return nil
	}

	name := s.lock.Name()

	if err := s.lock.Close(); err != nil {
		return fmt.Errorf("closing lock file: %w", err)
	}

	s.lock = nil

	if err := os.Remove(name); err != nil {
		return fmt.Errorf("removing lock file: %w", err)
	}

	return nil
}

// Refresh reloads the manifest of a read-only store.
func (s *Store) Refresh() error {
	if !s.readOnly {
		return nil
	}

	m, err := readManifest(s.dir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.m = m
	s.mu.Unlock()

	return nil
}

// flush writes the manifest; the caller holds s.mu.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	if err := fsutil.WriteFileAtomic(filepath.Join(s.dir, ManifestFile), data, 0644, s.owner); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	return nil
}

// CreateTable declares a table. It must be called before any Extend on
// that table. Declaring an existing table with the same columns is a no-op.
func (s *Store) CreateTable(name string, columns ...Column) error {
	if s.readOnly {
		return ErrReadOnly
	}

	if len(columns) == 0 {
		return fmt.Errorf("table %s: no columns", name)
	}

	seen := make(map[string]struct{}, len(columns))

	for _, c := range columns {
		if _, err := typeSize(c.Type); err != nil {
			return fmt.Errorf("table %s column %s: %w", name, c.Name, err)
		}

		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("table %s: duplicate column %s", name, c.Name)
		}

		seen[c.Name] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.m.Tables[name]; ok {
		if !sameColumns(existing.Columns, columns) {
			return fmt.Errorf("table %s already exists with different columns", name)
		}

		return nil
	}

	if err := fsutil.MkdirAll(filepath.Join(s.dir, tablesDir, name), 0755, s.owner); err != nil {
		return fmt.Errorf("creating table directory: %w", err)
	}

	s.m.Tables[name] = &TableInfo{Columns: columns}

	return s.flush()
}

func sameColumns(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// Extend appends one row set to a table and returns the offset of its
// first row. data maps every column name to a slice of the column type;
// all slices must have the same length.
func (s *Store) Extend(table string, data map[string]any) (uint64, error) {
	if s.readOnly {
		return 0, ErrReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return 0, s.broken
	}

	info, ok := s.m.Tables[table]
	if !ok {
		return 0, fmt.Errorf("table %s: %w", table, ErrNotFound)
	}

	if len(data) != len(info.Columns) {
		return 0, fmt.Errorf("table %s: got %d columns, expected %d", table, len(data), len(info.Columns))
	}

	n := -1
	frames := make([][]byte, len(info.Columns))

	for i, c := range info.Columns {
		values, ok := data[c.Name]
		if !ok {
			return 0, fmt.Errorf("table %s: missing column %s", table, c.Name)
		}

		typ, length, err := typeOf(values)
		if err != nil {
			return 0, fmt.Errorf("table %s column %s: %w", table, c.Name, err)
		}

		if typ != c.Type {
			return 0, fmt.Errorf("table %s column %s: got %s, expected %s", table, c.Name, typ, c.Type)
		}

		if n >= 0 && length != n {
			return 0, fmt.Errorf("table %s: column %s has %d rows, expected %d", table, c.Name, length, n)
		}

		n = length

		raw, err := binary.Append(nil, binary.LittleEndian, values)
		if err != nil {
			return 0, fmt.Errorf("table %s column %s: encoding: %w", table, c.Name, err)
		}

		frames[i] = encodeFrame(raw)
	}

	offset := info.Rows
	if offset+uint64(n) > s.maxRows {
		return 0, fmt.Errorf(
			"%w: the %s table has more than %d rows", ErrTableTooLarge, table, s.maxRows,
		)
	}

	if n == 0 {
		return offset, nil
	}

	sizes := make([]int64, len(info.Columns))

	for i, c := range info.Columns {
		size, err := fileSize(s.columnPath(table, c.Name))
		if err != nil {
			return 0, fmt.Errorf("table %s column %s: %w", table, c.Name, err)
		}

		sizes[i] = size
	}

	for i, c := range info.Columns {
		if err := s.appendFrame(table, c.Name, frames[i]); err != nil {
			return 0, s.truncateColumns(table, info.Columns, sizes, err)
		}
	}

	info.Rows += uint64(n)

	if err := s.flush(); err != nil {
		info.Rows -= uint64(n)

		return 0, s.truncateColumns(table, info.Columns, sizes, err)
	}

	return offset, nil
}

// truncateColumns cuts the column files of table back to sizes after a
// failed append. If that fails too the store refuses further appends.
func (s *Store) truncateColumns(table string, columns []Column, sizes []int64, cause error) error {
	for i, c := range columns {
		err := os.Truncate(s.columnPath(table, c.Name), sizes[i])
		if err == nil || (sizes[i] == 0 && errors.Is(err, os.ErrNotExist)) {
			continue
		}

		s.broken = fmt.Errorf("table %s column %s left with a partial append: %w", table, c.Name, err)

		return errors.Join(cause, s.broken)
	}

	return cause
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return fi.Size(), nil
}

func (s *Store) columnPath(table, column string) string {
	return filepath.Join(s.dir, tablesDir, table, column+".snappy")
}

func (s *Store) appendFrame(table, column string, frame []byte) error {
	f, err := fsutil.OpenAppend(s.columnPath(table, column), s.owner)
	if err != nil {
		return fmt.Errorf("opening column %s.%s: %w", table, column, err)
	}

	if _, err := f.Write(frame); err != nil {
		_ = f.Close()

		return fmt.Errorf("writing column %s.%s: %w", table, column, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing column %s.%s: %w", table, column, err)
	}

	return nil
}

// encodeFrame returns [raw length][compressed length][snappy block].
func encodeFrame(raw []byte) []byte {
	enc := snappy.Encode(nil, raw)
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(enc))

	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(raw)))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(enc)))

	return append(frame, enc...)
}

// readFrames decodes the frames of one column file until limit bytes of
// raw data have been read.
func readFrames(path string, limit uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && limit == 0 {
			return nil, nil
		}

		return nil, err
	}
	defer f.Close()

	out := make([]byte, 0, limit)
	header := make([]byte, frameHeaderSize)

	for uint64(len(out)) < limit {
		if _, err := io.ReadFull(f, header); err != nil {
			return nil, fmt.Errorf("reading frame header: %w", err)
		}

		rawLen := binary.LittleEndian.Uint32(header[0:4])
		encLen := binary.LittleEndian.Uint32(header[4:8])

		enc := make([]byte, encLen)
		if _, err := io.ReadFull(f, enc); err != nil {
			return nil, fmt.Errorf("reading frame: %w", err)
		}

		raw, err := snappy.Decode(nil, enc)
		if err != nil {
			return nil, fmt.Errorf("decoding frame: %w", err)
		}

		if uint32(len(raw)) != rawLen {
			return nil, fmt.Errorf("frame length mismatch: %d != %d", len(raw), rawLen)
		}

		out = append(out, raw...)
	}

	return out[:limit], nil
}

// Table returns the description of a table.
func (s *Store) Table(name string) (TableInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.m.Tables[name]
	if !ok {
		return TableInfo{}, fmt.Errorf("table %s: %w", name, ErrNotFound)
	}

	return TableInfo{Columns: append([]Column(nil), info.Columns...), Rows: info.Rows}, nil
}

// Tables returns the table names in sorted order.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.m.Tables))
	for name := range s.m.Tables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Rows returns the published row count of a table.
func (s *Store) Rows(table string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if info, ok := s.m.Tables[table]; ok {
		return info.Rows
	}

	return 0
}

// Size returns the bytes on disk of a table's column files.
func (s *Store) Size(table string) (int64, error) {
	info, err := s.Table(table)
	if err != nil {
		return 0, err
	}

	var total int64

	for _, c := range info.Columns {
		st, err := os.Stat(s.columnPath(table, c.Name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return 0, err
		}

		total += st.Size()
	}

	return total, nil
}

// ReadColumn reads the published rows of one column.
func ReadColumn[T Number](s *Store, table, column string) ([]T, error) {
	info, err := s.Table(table)
	if err != nil {
		return nil, err
	}

	var col *Column

	for i := range info.Columns {
		if info.Columns[i].Name == column {
			col = &info.Columns[i]

			break
		}
	}

	if col == nil {
		return nil, fmt.Errorf("column %s.%s: %w", table, column, ErrNotFound)
	}

	out := make([]T, info.Rows)

	typ, _, err := typeOf(out)
	if err != nil || typ != col.Type {
		return nil, fmt.Errorf("column %s.%s has type %s", table, column, col.Type)
	}

	size, _ := typeSize(col.Type)

	raw, err := readFrames(s.columnPath(table, column), info.Rows*uint64(size))
	if err != nil {
		return nil, fmt.Errorf("reading column %s.%s: %w", table, column, err)
	}

	if _, err := binary.Decode(raw, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("decoding column %s.%s: %w", table, column, err)
	}

	return out, nil
}

func typeSize(t ColumnType) (int, error) {
	switch t {
	case Uint8:
		return 1, nil
	case Uint16:
		return 2, nil
	case Uint32, Float32:
		return 4, nil
	case Uint64, Float64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported column type %q", t)
	}
}

func typeOf(values any) (ColumnType, int, error) {
	switch v := values.(type) {
	case []uint8:
		return Uint8, len(v), nil
	case []uint16:
		return Uint16, len(v), nil
	case []uint32:
		return Uint32, len(v), nil
	case []uint64:
		return Uint64, len(v), nil
	case []float32:
		return Float32, len(v), nil
	case []float64:
		return Float64, len(v), nil
	default:
		return "", 0, fmt.Errorf("unsupported column data %T", values)
	}
}
