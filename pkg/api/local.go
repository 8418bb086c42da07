package api

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// localFileServer serves files of calculation directories from the results
// directory. Request paths are <calc_id>/<file> relative to root.
type localFileServer struct {
	log  logrus.FieldLogger
	root string
}

func newLocalFileServer(log logrus.FieldLogger, root string) *localFileServer {
	return &localFileServer{
		log:  log.WithField("component", "local-file-server"),
		root: filepath.Clean(root),
	}
}

// ServeFile serves filePath from under root via http.ServeFile. Returns an
// error when the path is disallowed or is not a regular file.
func (l *localFileServer) ServeFile(
	w http.ResponseWriter,
	r *http.Request,
	filePath string,
) error {
	if !isAllowedPath(filePath) {
		return fmt.Errorf("path %q is not allowed", filePath)
	}

	full := filepath.Join(l.root, filepath.FromSlash(filePath))
	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return fmt.Errorf("path %q is not allowed", filePath)
	}

	st, err := os.Stat(full)
	if err != nil || !st.Mode().IsRegular() {
		return fmt.Errorf("file %q not found", filePath)
	}

	http.ServeFile(w, r, full)

	return nil
}

// isAllowedPath rejects empty, absolute, unclean, traversal or hidden
// request paths. Hidden files include the writer lock and temporary
// manifests.
func isAllowedPath(filePath string) bool {
	if filePath == "" {
		return false
	}

	if strings.Contains(filePath, "..") {
		return false
	}

	if filepath.IsAbs(filePath) || strings.HasPrefix(filePath, "/") {
		return false
	}

	if path.Clean(filePath) != filePath {
		return false
	}

	for _, part := range strings.Split(filePath, "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}

	return true
}
