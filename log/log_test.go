package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestLogger(t *testing.T) {
	ctx := context.Background()
	logger := With().Str("key", "value").Logger()

	ctx = logger.WithContext(ctx)
	ctxLogger := Ctx(ctx)
	assert.NotEqual(t, log.Logger, ctxLogger)
	assert.Equal(t, &logger, ctxLogger)

	ctxEmpty := context.Background()
	ctxLogger = Ctx(ctxEmpty)
	assert.Equal(t, &log.Logger, ctxLogger)
}

func TestServiceLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	l := Service(zerolog.New(buf), "svc1")
	l.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"service":"svc1"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}
