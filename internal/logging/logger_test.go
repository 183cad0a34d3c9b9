package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	tests := []struct {
		mode, level string
		debug       bool
	}{
		{mode: "release", level: "", debug: false},
		{mode: "debug", level: "", debug: true},
		{mode: "release", level: "debug", debug: true},
		{mode: "debug", level: "warn", debug: false},
	}
	for _, tc := range tests {
		t.Run(tc.mode+"/"+tc.level, func(t *testing.T) {
			logger, err := New(tc.mode, tc.level)
			require.NoError(t, err)
			assert.Equal(t, tc.debug, logger.Core().Enabled(zap.DebugLevel))
			Sync(logger)
		})
	}
}

func TestNewBadLevel(t *testing.T) {
	_, err := New("release", "loud")
	assert.Error(t, err)
}
