package internal

import (
	"bytes"
	"testing"

	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPionLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf).Level(zerolog.InfoLevel)
	factory := NewPionLoggerFactory(zerologr.New(&zl))

	l := factory.NewLogger("ice")
	l.Trace("trace line")
	l.Debugf("debug line %d", 1)
	l.Info("info line")
	l.Warnf("warn line %s", "two")
	l.Errorf("error line %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "trace line")
	assert.NotContains(t, out, "debug line")
	assert.Contains(t, out, "info line")
	assert.Contains(t, out, "warn line two")
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, "error line 3")
	assert.Contains(t, out, "ice")
}
