package email

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-send-lite/internal/errs"
)

func TestLoadAttachments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := filepath.Join(dir, "report.pdf")
	second := filepath.Join(dir, "nested", "data.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(second), 0o755))
	require.NoError(t, os.WriteFile(first, []byte("%PDF-1.4"), 0o644))
	require.NoError(t, os.WriteFile(second, []byte{0x00, 0xff, 0x10}, 0o644))

	got, err := LoadAttachments([]string{first, second})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "report.pdf", got[0].Filename)
	assert.Equal(t, []byte("%PDF-1.4"), got[0].Content)
	assert.Equal(t, "data.bin", got[1].Filename)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, got[1].Content)
	assert.Equal(t, "application/octet-stream", got[1].ContentType)
}

func TestLoadAttachments_Empty(t *testing.T) {
	t.Parallel()

	got, err := LoadAttachments(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadAttachments_Missing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ok := filepath.Join(dir, "ok.txt")
	require.NoError(t, os.WriteFile(ok, []byte("x"), 0o644))
	missing := filepath.Join(dir, "missing.txt")

	_, err := LoadAttachments([]string{ok, missing})
	require.Error(t, err)
	assert.True(t, errs.IsAttachment(err))
	assert.Contains(t, err.Error(), missing)
}

func TestLoadAttachments_Directory(t *testing.T) {
	t.Parallel()

	_, err := LoadAttachments([]string{t.TempDir()})
	require.Error(t, err)
	assert.True(t, errs.IsAttachment(err))
}
