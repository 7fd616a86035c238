package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetLevel(t *testing.T) {
	t.Cleanup(Reset)

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, "debug", Level())

	require.NoError(t, SetLevel("WARN"))
	assert.Equal(t, "warn", Level())

	assert.Error(t, SetLevel("chatty"))
	assert.Equal(t, "warn", Level())
}

func TestInitializeDebug(t *testing.T) {
	t.Cleanup(Reset)

	Initialize(true, true)
	assert.Equal(t, "debug", Level())
	assert.NotNil(t, Get())

	Reset()
	assert.Equal(t, "info", Level())
}

func TestSetReplacesSingleton(t *testing.T) {
	t.Cleanup(Reset)

	nop := zap.NewNop().Sugar()
	Set(nop)
	assert.Same(t, nop, Get())
}
