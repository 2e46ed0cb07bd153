package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectWritesUnderBaseDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	loc, err := s.PutObject(context.Background(),
		"failures/commodities/us/run-1.html", "text/html", strings.NewReader("<html>page</html>"))
	require.NoError(t, err)

	want := filepath.Join(dir, "failures", "commodities", "us", "run-1.html")
	require.Equal(t, want, loc)

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	require.Equal(t, "<html>page</html>", string(data))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.PutObject(context.Background(), "../escape.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)

	_, err = s.PutObject(context.Background(), "/abs/path.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New("")
	require.Error(t, err)
}
