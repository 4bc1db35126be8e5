package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitWritesToOutputPath(t *testing.T) {
	prev := sugar
	t.Cleanup(func() { sugar = prev })

	dir := t.TempDir()
	Init("debug", "json", dir)
	Infow("[Test] 写入文件", "fileId", "f-1")
	Sync()

	b, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"fileId":"f-1"`)
}

func TestInitFallsBackToInfoLevel(t *testing.T) {
	prev := sugar
	t.Cleanup(func() { sugar = prev })

	Init("not-a-level", "console", "")
	assert.False(t, sugar.Desugar().Core().Enabled(zap.DebugLevel))
	assert.True(t, sugar.Desugar().Core().Enabled(zap.InfoLevel))
}
