package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/shakeoor/pkg/calcstore"
	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/ethpandaops/shakeoor/pkg/datastore"
	"github.com/ethpandaops/shakeoor/pkg/metrics"
)

type fakeRemote struct {
	files map[string][]byte
}

func (f *fakeRemote) ListCalculations(_ context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeRemote) GetFile(_ context.Context, calcID, name string) ([]byte, error) {
	return f.files[calcID+"/"+name], nil
}

type testEnv struct {
	srv    *server
	router http.Handler
	root   string
	store  calcstore.Store
}

func newTestEnv(t *testing.T, rateLimit int) *testEnv {
	t.Helper()

	root := t.TempDir()
	log := logrus.New()

	cfg := &config.Config{
		Global: config.GlobalConfig{ResultsDir: root},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
		},
		API: &config.APIConfig{
			Server: config.APIServerConfig{
				Listen: "127.0.0.1:0",
				RateLimit: config.RateLimitConfig{
					Enabled: rateLimit > 0,
					Public:  config.RateLimitTier{RequestsPerMinute: rateLimit},
				},
			},
		},
	}

	store := calcstore.NewStore(log, &cfg.Database)
	require.NoError(t, store.Start(context.Background()))

	reg := prometheus.NewRegistry()
	metrics.New(reg).AddGMFRows(3)

	srv := &server{
		log:         log,
		cfg:         cfg,
		gatherer:    reg,
		store:       store,
		localServer: newLocalFileServer(log, root),
		done:        make(chan struct{}),
	}

	t.Cleanup(func() {
		close(srv.done)
		_ = store.Stop()
	})

	env := &testEnv{srv: srv, router: srv.buildRouter(), root: root, store: store}
	env.seed(t)

	return env
}

// seed writes one finished calculation directory and its record.
func (e *testEnv) seed(t *testing.T) {
	t.Helper()

	ds, err := datastore.Create(logrus.New(), filepath.Join(e.root, "calc1"))
	require.NoError(t, err)

	require.NoError(t, ds.CreateTable("gmf_data",
		datastore.Column{Name: "sid", Type: datastore.Uint32},
		datastore.Column{Name: "eid", Type: datastore.Uint64},
		datastore.Column{Name: "gmv_0", Type: datastore.Float32},
	))
	_, err = ds.Extend("gmf_data", map[string]any{
		"sid":   []uint32{0, 1, 2},
		"eid":   []uint64{10, 11, 12},
		"gmv_0": []float32{0.5, 0.25, 0.125},
	})
	require.NoError(t, err)

	require.NoError(t, ds.CreateTable("risk_by_event",
		datastore.Column{Name: "loss_id", Type: datastore.Uint8},
	))
	_, err = ds.Extend("risk_by_event", map[string]any{"loss_id": []uint8{1, 2}})
	require.NoError(t, err)

	require.NoError(t, ds.PutArray("avg_gmf", []int{2, 1}, []float32{1.5, 0.5}))
	require.NoError(t, ds.SetAttr("num_relevant_events", 3))
	require.NoError(t, ds.WriteFile("job.yaml", []byte("calculation:\n  mode: scenario\n")))
	require.NoError(t, ds.Close())

	ctx := context.Background()
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for _, c := range []*calcstore.Calculation{
		{CalcID: "calc1", Mode: config.ModeScenario, Status: calcstore.StatusComplete, StartedAt: started},
		{CalcID: "calc2", Mode: config.ModeEventBased, Status: calcstore.StatusFailed, StartedAt: started.Add(time.Hour)},
	} {
		require.NoError(t, e.store.UpsertCalculation(ctx, c))
	}

	require.NoError(t, e.store.BulkInsertTaskTimings(ctx, []*calcstore.TaskTiming{
		{CalcID: "calc1", TaskNo: 1, NumRuptures: 2},
		{CalcID: "calc1", TaskNo: 0, NumRuptures: 1},
	}))
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	return out
}

func TestHandlers_Status(t *testing.T) {
	env := newTestEnv(t, 0)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{name: "health", target: "/api/v1/health", status: http.StatusOK},
		{name: "config", target: "/api/v1/config", status: http.StatusOK},
		{name: "list", target: "/api/v1/calcs", status: http.StatusOK},
		{name: "get", target: "/api/v1/calcs/calc1", status: http.StatusOK},
		{name: "get unknown", target: "/api/v1/calcs/nope", status: http.StatusNotFound},
		{name: "timings unknown", target: "/api/v1/calcs/nope/timings", status: http.StatusNotFound},
		{name: "tables unknown calc", target: "/api/v1/calcs/nope/tables", status: http.StatusNotFound},
		{name: "hidden calc id", target: "/api/v1/calcs/.hidden/tables", status: http.StatusBadRequest},
		{name: "unknown table", target: "/api/v1/calcs/calc1/tables/nope/sid", status: http.StatusNotFound},
		{name: "unknown column", target: "/api/v1/calcs/calc1/tables/gmf_data/nope", status: http.StatusNotFound},
		{name: "bad offset", target: "/api/v1/calcs/calc1/tables/gmf_data/sid?offset=-1", status: http.StatusBadRequest},
		{name: "bad limit", target: "/api/v1/calcs/calc1/tables/gmf_data/sid?limit=zero", status: http.StatusBadRequest},
		{name: "unknown array", target: "/api/v1/calcs/calc1/arrays/nope", status: http.StatusNotFound},
		{name: "unknown attr", target: "/api/v1/calcs/calc1/attrs/nope", status: http.StatusNotFound},
		{name: "file", target: "/api/v1/calcs/calc1/files/job.yaml", status: http.StatusOK},
		{name: "missing file", target: "/api/v1/calcs/calc1/files/nope.yaml", status: http.StatusNotFound},
		{name: "lock file", target: "/api/v1/calcs/calc1/files/.lock", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.get(t, tt.target)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestHandlers_Calculations(t *testing.T) {
	env := newTestEnv(t, 0)

	type listResponse struct {
		Calculations []calcstore.Calculation `json:"calculations"`
	}

	all := decode[listResponse](t, env.get(t, "/api/v1/calcs"))
	require.Len(t, all.Calculations, 2)
	assert.Equal(t, "calc2", all.Calculations[0].CalcID, "newest first")

	scenario := decode[listResponse](t, env.get(t, "/api/v1/calcs?mode=scenario"))
	require.Len(t, scenario.Calculations, 1)
	assert.Equal(t, "calc1", scenario.Calculations[0].CalcID)

	none := env.get(t, "/api/v1/calcs?mode=scenario_risk")
	assert.JSONEq(t, `{"calculations":[]}`, none.Body.String())

	calc := decode[calcstore.Calculation](t, env.get(t, "/api/v1/calcs/calc1"))
	assert.Equal(t, calcstore.StatusComplete, calc.Status)

	timings := decode[struct {
		Timings []calcstore.TaskTiming `json:"timings"`
	}](t, env.get(t, "/api/v1/calcs/calc1/timings"))
	require.Len(t, timings.Timings, 2)
	assert.Equal(t, 0, timings.Timings[0].TaskNo)
	assert.Equal(t, 2, timings.Timings[1].NumRuptures)
}

func TestHandlers_Datastore(t *testing.T) {
	env := newTestEnv(t, 0)

	tables := decode[struct {
		Tables map[string]datastore.TableInfo `json:"tables"`
	}](t, env.get(t, "/api/v1/calcs/calc1/tables"))
	require.Contains(t, tables.Tables, "gmf_data")
	assert.Equal(t, uint64(3), tables.Tables["gmf_data"].Rows)
	assert.Len(t, tables.Tables["gmf_data"].Columns, 3)

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{
			name:   "whole column",
			target: "/api/v1/calcs/calc1/tables/gmf_data/eid",
			want:   `{"table":"gmf_data","column":"eid","type":"uint64","rows":3,"offset":0,"values":[10,11,12]}`,
		},
		{
			name:   "page",
			target: "/api/v1/calcs/calc1/tables/gmf_data/gmv_0?offset=1&limit=1",
			want:   `{"table":"gmf_data","column":"gmv_0","type":"float32","rows":3,"offset":1,"values":[0.25]}`,
		},
		{
			name:   "offset past the end",
			target: "/api/v1/calcs/calc1/tables/gmf_data/sid?offset=10",
			want:   `{"table":"gmf_data","column":"sid","type":"uint32","rows":3,"offset":10,"values":[]}`,
		},
		{
			name:   "uint8 as numbers",
			target: "/api/v1/calcs/calc1/tables/risk_by_event/loss_id",
			want:   `{"table":"risk_by_event","column":"loss_id","type":"uint8","rows":2,"offset":0,"values":[1,2]}`,
		},
		{
			name:   "array",
			target: "/api/v1/calcs/calc1/arrays/avg_gmf",
			want:   `{"name":"avg_gmf","shape":[2,1],"data":[1.5,0.5]}`,
		},
		{
			name:   "array list",
			target: "/api/v1/calcs/calc1/arrays",
			want:   `{"arrays":{"avg_gmf":{"shape":[2,1]}}}`,
		},
		{
			name:   "attribute",
			target: "/api/v1/calcs/calc1/attrs/num_relevant_events",
			want:   `3`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.get(t, tt.target)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.JSONEq(t, tt.want, rec.Body.String())
		})
	}
}

func TestHandlers_RemoteFiles(t *testing.T) {
	env := newTestEnv(t, 0)
	env.srv.remote = &fakeRemote{files: map[string][]byte{
		"calc9/job.yaml": []byte("calculation: {}"),
	}}

	rec := env.get(t, "/api/v1/calcs/calc9/files/job.yaml")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "calculation: {}", rec.Body.String())

	// Local files take priority.
	rec = env.get(t, "/api/v1/calcs/calc1/files/job.yaml")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mode: scenario")

	rec = env.get(t, "/api/v1/calcs/calc9/files/nope.yaml")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_Metrics(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shakeoor_gmf_rows_total 3")
}

func TestHandlers_RateLimit(t *testing.T) {
	env := newTestEnv(t, 1)

	assert.Equal(t, http.StatusOK, env.get(t, "/api/v1/calcs").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.get(t, "/api/v1/calcs").Code)

	// Health checks are not limited.
	assert.Equal(t, http.StatusOK, env.get(t, "/api/v1/health").Code)
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{name: "remote addr", remote: "198.51.100.7:5555", want: "198.51.100.7"},
		{name: "forwarded chain", xff: "203.0.113.9, 10.0.0.1", remote: "10.0.0.1:80", want: "203.0.113.9"},
		{name: "single forwarded", xff: "203.0.113.10", remote: "10.0.0.1:80", want: "203.0.113.10"},
		{name: "no port", remote: "unix", want: "unix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(req))
		})
	}
}
