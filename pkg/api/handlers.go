package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/ethpandaops/shakeoor/pkg/calcstore"
	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/ethpandaops/shakeoor/pkg/datastore"
	"github.com/go-chi/chi/v5"
)

const (
	defaultColumnLimit = 1000
	maxColumnLimit     = 100000
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the public server configuration.
func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	indexing := s.cfg.API.Indexing != nil && s.cfg.API.Indexing.Enabled

	writeJSON(w, http.StatusOK, map[string]any{
		"modes": []string{
			config.ModeEventBased,
			config.ModeScenario,
			config.ModeEventBasedRisk,
			config.ModeScenarioRisk,
		},
		"indexing": indexing,
		"storage": map[string]any{
			"local": true,
			"s3":    s.remote != nil,
		},
	})
}

// handleListCalculations lists the calculations, optionally of one mode.
func (s *server) handleListCalculations(w http.ResponseWriter, r *http.Request) {
	calcs, err := s.store.ListCalculations(r.Context(), r.URL.Query().Get("mode"))
	if err != nil {
		s.log.WithError(err).Warn("Failed to list calculations")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing calculations failed"})

		return
	}

	if calcs == nil {
		calcs = []calcstore.Calculation{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"calculations": calcs})
}

// handleGetCalculation returns one calculation record.
func (s *server) handleGetCalculation(w http.ResponseWriter, r *http.Request) {
	calc, err := s.store.GetCalculation(r.Context(), chi.URLParam(r, "calcID"))
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, calc)
}

// handleTaskTimings returns the task timings of a calculation.
func (s *server) handleTaskTimings(w http.ResponseWriter, r *http.Request) {
	calcID := chi.URLParam(r, "calcID")

	if _, err := s.store.GetCalculation(r.Context(), calcID); err != nil {
		s.writeStoreError(w, err)

		return
	}

	timings, err := s.store.ListTaskTimings(r.Context(), calcID)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	if timings == nil {
		timings = []calcstore.TaskTiming{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"timings": timings})
}

func (s *server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, calcstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"calculation not found"})

		return
	}

	s.log.WithError(err).Warn("Calculation database error")
	writeJSON(w, http.StatusInternalServerError, errorResponse{"database error"})
}

// openCalc opens the calculation directory named in the URL read-only. It
// writes the error response itself and returns nil on failure.
func (s *server) openCalc(w http.ResponseWriter, r *http.Request) *datastore.Store {
	calcID := chi.URLParam(r, "calcID")
	if calcID == "" || calcID != filepath.Base(calcID) || calcID[0] == '.' {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid calculation id"})

		return nil
	}

	ds, err := datastore.Open(s.log, filepath.Join(s.cfg.Global.ResultsDir, calcID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusNotFound, errorResponse{"calculation not found"})

			return nil
		}

		s.log.WithError(err).WithField("calc_id", calcID).
			Warn("Failed to open calculation")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"opening calculation failed"})

		return nil
	}

	return ds
}

// writeDatastoreError maps datastore errors to responses.
func (s *server) writeDatastoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, datastore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})

		return
	}

	s.log.WithError(err).Warn("Failed to read calculation")
	writeJSON(w, http.StatusInternalServerError, errorResponse{"reading calculation failed"})
}

// handleTables describes every table of a calculation.
func (s *server) handleTables(w http.ResponseWriter, r *http.Request) {
	ds := s.openCalc(w, r)
	if ds == nil {
		return
	}

	tables := make(map[string]datastore.TableInfo, 8)

	for _, name := range ds.Tables() {
		info, err := ds.Table(name)
		if err != nil {
			s.writeDatastoreError(w, err)

			return
		}

		tables[name] = info
	}

	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

type columnResponse struct {
	Table  string               `json:"table"`
	Column string               `json:"column"`
	Type   datastore.ColumnType `json:"type"`
	Rows   uint64               `json:"rows"`
	Offset int                  `json:"offset"`
	Values any                  `json:"values"`
}

// handleColumn returns a page of one column. Query parameters offset and
// limit select the rows.
func (s *server) handleColumn(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := pageParams(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid offset or limit"})

		return
	}

	ds := s.openCalc(w, r)
	if ds == nil {
		return
	}

	table := chi.URLParam(r, "table")
	column := chi.URLParam(r, "column")

	info, err := ds.Table(table)
	if err != nil {
		s.writeDatastoreError(w, err)

		return
	}

	var typ datastore.ColumnType

	for _, c := range info.Columns {
		if c.Name == column {
			typ = c.Type
		}
	}

	if typ == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{"column not found"})

		return
	}

	values, err := readColumnPage(ds, table, column, typ, offset, limit)
	if err != nil {
		s.writeDatastoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, columnResponse{
		Table:  table,
		Column: column,
		Type:   typ,
		Rows:   info.Rows,
		Offset: offset,
		Values: values,
	})
}

func pageParams(r *http.Request) (int, int, bool) {
	offset, limit := 0, defaultColumnLimit

	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}

		offset = n
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, false
		}

		limit = min(n, maxColumnLimit)
	}

	return offset, limit, true
}

func readColumnPage(
	ds *datastore.Store, table, column string, typ datastore.ColumnType, offset, limit int,
) (any, error) {
	switch typ {
	case datastore.Uint8:
		vals, err := datastore.ReadColumn[uint8](ds, table, column)
		if err != nil {
			return nil, err
		}

		// []uint8 would be encoded as base64.
		out := make([]uint16, 0, len(vals))
		for _, v := range page(vals, offset, limit) {
			out = append(out, uint16(v))
		}

		return out, nil
	case datastore.Uint16:
		return readPage[uint16](ds, table, column, offset, limit)
	case datastore.Uint32:
		return readPage[uint32](ds, table, column, offset, limit)
	case datastore.Uint64:
		return readPage[uint64](ds, table, column, offset, limit)
	case datastore.Float32:
		return readPage[float32](ds, table, column, offset, limit)
	default:
		return readPage[float64](ds, table, column, offset, limit)
	}
}

func readPage[T datastore.Number](ds *datastore.Store, table, column string, offset, limit int) ([]T, error) {
	vals, err := datastore.ReadColumn[T](ds, table, column)
	if err != nil {
		return nil, err
	}

	return page(vals, offset, limit), nil
}

func page[T any](vals []T, offset, limit int) []T {
	if offset >= len(vals) {
		return []T{}
	}

	return vals[offset:min(offset+limit, len(vals))]
}

// handleArrays lists the arrays of a calculation with their shapes.
func (s *server) handleArrays(w http.ResponseWriter, r *http.Request) {
	ds := s.openCalc(w, r)
	if ds == nil {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"arrays": ds.Arrays()})
}

// handleArray returns one dense array.
func (s *server) handleArray(w http.ResponseWriter, r *http.Request) {
	ds := s.openCalc(w, r)
	if ds == nil {
		return
	}

	name := chi.URLParam(r, "name")

	shape, data, err := ds.Array(name)
	if err != nil {
		s.writeDatastoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":  name,
		"shape": shape,
		"data":  data,
	})
}

// handleAttr returns one attribute as stored.
func (s *server) handleAttr(w http.ResponseWriter, r *http.Request) {
	ds := s.openCalc(w, r)
	if ds == nil {
		return
	}

	var raw json.RawMessage
	if err := ds.Attr(chi.URLParam(r, "key"), &raw); err != nil {
		s.writeDatastoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, raw)
}

// handleFileRequest serves a file of a calculation directory from the
// results directory, falling back to the uploaded copy.
func (s *server) handleFileRequest(w http.ResponseWriter, r *http.Request) {
	calcID := chi.URLParam(r, "calcID")
	name := chi.URLParam(r, "*")

	if name == "" || !isAllowedPath(calcID+"/"+name) {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid file path"})

		return
	}

	if err := s.localServer.ServeFile(w, r, calcID+"/"+name); err == nil {
		return
	}

	if s.remote == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})

		return
	}

	data, err := s.remote.GetFile(r.Context(), calcID, name)
	if err != nil {
		s.log.WithError(err).
			WithField("path", calcID+"/"+name).
			Warn("Failed to read uploaded file")
		writeJSON(w, http.StatusBadGateway, errorResponse{"reading uploaded file failed"})

		return
	}

	if data == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})

		return
	}

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)

	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}
