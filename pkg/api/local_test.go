package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAllowedPath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{name: "valid calc file", path: "calc1/job.yaml", expected: true},
		{name: "valid nested path", path: "calc1/tables/gmf_data/eid.snappy", expected: true},
		{name: "empty path", path: "", expected: false},
		{name: "path traversal", path: "calc1/../../etc/passwd", expected: false},
		{name: "dot dot only", path: "..", expected: false},
		{name: "absolute path", path: "/etc/passwd", expected: false},
		{name: "trailing slash", path: "calc1/", expected: false},
		{name: "double slash", path: "calc1//job.yaml", expected: false},
		{name: "dot segment", path: "calc1/./job.yaml", expected: false},
		{name: "lock file", path: "calc1/.lock", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isAllowedPath(tt.path))
		})
	}
}

func TestLocalFileServer_ServeFile(t *testing.T) {
	root := t.TempDir()
	calcDir := filepath.Join(root, "calc1")
	require.NoError(t, os.MkdirAll(filepath.Join(calcDir, "tables"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(calcDir, "job.yaml"), []byte("mode: scenario"), 0o644,
	))

	srv := newLocalFileServer(logrus.New(), root)

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{name: "existing file", path: "calc1/job.yaml"},
		{name: "missing file", path: "calc1/nope.json", wantErr: "not found"},
		{name: "directory", path: "calc1/tables", wantErr: "not found"},
		{name: "traversal", path: "../../etc/passwd", wantErr: "not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()

			err := srv.ServeFile(rec, req, tt.path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "mode: scenario", rec.Body.String())
		})
	}
}
