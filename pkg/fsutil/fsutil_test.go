package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Owner
		wantErr bool
	}{
		{name: "empty", input: "", want: nil},
		{name: "valid", input: "1000:100", want: &Owner{UID: 1000, GID: 100}},
		{name: "missing gid", input: "1000", wantErr: true},
		{name: "too many parts", input: "1:2:3", wantErr: true},
		{name: "not a number", input: "root:100", wantErr: true},
		{name: "negative", input: "-1:100", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOwner(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0644, nil))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0644, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCreateExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	f, err := CreateExclusive(path, nil)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = CreateExclusive(path, nil)
	require.ErrorIs(t, err, os.ErrExist)
}

func TestOpenAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "col.bin")

	for _, chunk := range []string{"ab", "cd"} {
		f, err := OpenAppend(path, nil)
		require.NoError(t, err)

		_, err = f.WriteString(chunk)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))
}
