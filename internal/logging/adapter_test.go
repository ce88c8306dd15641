package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSlogAdapter_WithNil(t *testing.T) {
	adapter := NewSlogAdapter(nil)
	if adapter == nil {
		t.Fatal("NewSlogAdapter returned nil")
	}
	assert.NotNil(t, adapter.Logger())
}

func TestSlogAdapter_Levels(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(New(&buf, "text", "debug"))

	adapter.Debug("d", "k", 1)
	adapter.Info("i")
	adapter.Warn("w")
	adapter.Error("e")

	out := buf.String()
	for _, lvl := range []string{"DEBUG", "INFO", "WARN", "ERROR"} {
		assert.Contains(t, out, "level="+lvl)
	}
}

func TestDefaultLogger(t *testing.T) {
	assert.Equal(t, slog.Default(), DefaultLogger().Logger())
}
