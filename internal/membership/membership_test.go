package membership

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.conf")
	content := "# comment\n127.0.0.1\n\n127.0.0.2\n127.0.0.3\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	addrs, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1", "127.0.0.2", "127.0.0.3"}, addrs)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/hosts.conf")
	require.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.conf")
	require.NoError(t, os.WriteFile(path, []byte("\n# only comments\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
