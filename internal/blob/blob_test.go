package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutURLDelete(t *testing.T) {
	s := NewMemory("http://files.test/")
	ctx := context.Background()

	n, err := s.Put(ctx, "agents/a1/report.pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.EqualValues(t, 8, n)
	assert.Equal(t, "http://files.test/agents/a1/report.pdf", s.URL("agents/a1/report.pdf"))

	ok, err := afero.Exists(s.Fs, "/agents/a1/report.pdf")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "agents/a1/report.pdf"))
	require.NoError(t, s.Delete(ctx, "agents/a1/report.pdf"))
}

func TestRejectsTraversal(t *testing.T) {
	s := NewMemory("")
	_, err := s.Put(context.Background(), "../etc/passwd", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestHandlerServesObjects(t *testing.T) {
	s := NewMemory("")
	_, err := s.Put(context.Background(), "x/hello.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/x/hello.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
}
