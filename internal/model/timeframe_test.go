package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeframeDeltaAndAPICode(t *testing.T) {
	cases := []struct {
		tf      Timeframe
		delta   time.Duration
		apiCode string
	}{
		{TF1m, time.Minute, "1m"},
		{TF5m, 5 * time.Minute, "5m"},
		{TF15m, 15 * time.Minute, "15m"},
		{TF30m, 30 * time.Minute, "30m"},
		{TF1h, time.Hour, "1h"},
		{TF4h, 4 * time.Hour, "4h"},
		{TF1d, 24 * time.Hour, "1D"}, // upstream code differs in case
		{TF1w, 7 * 24 * time.Hour, "1W"},
	}
	for _, c := range cases {
		assert.Equal(t, c.delta, c.tf.Delta(), "delta for %s", c.tf)
		assert.Equal(t, c.apiCode, c.tf.APICode(), "api code for %s", c.tf)
		assert.True(t, c.tf.Valid())
	}
}

func TestParseTimeframeRejectsUnknown(t *testing.T) {
	_, err := ParseTimeframe("2m")
	assert.Error(t, err)
}

func TestParseTimeframeAcceptsKnown(t *testing.T) {
	tf, err := ParseTimeframe("1d")
	require.NoError(t, err)
	assert.Equal(t, TF1d, tf)
}

func TestAllTimeframesCoversEntireClosedSet(t *testing.T) {
	all := AllTimeframes()
	assert.Len(t, all, 8)
}
