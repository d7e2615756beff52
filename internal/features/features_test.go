package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cattlefeed/ingest/internal/domain"
)

func TestExtractHappyPath(t *testing.T) {
	start := time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)
	sess := domain.Session{
		Start:       start,
		End:         start.Add(60 * time.Minute),
		WeightStart: 7.0,
		WeightEnd:   5.2,
		MeanTemp:    21.5,
	}
	vec := Extract(sess)

	require.InDelta(t, 60.0, vec[0], 1e-9)
	require.InDelta(t, 1.8, vec[1], 1e-9)
	require.InDelta(t, 0.03, vec[2], 1e-9) // 1.8kg / 3600s * 60 == 0.0005/s*60 == 0.03/min
	require.InDelta(t, math.Sin(2*math.Pi*14/24), vec[3], 1e-9)
	require.InDelta(t, math.Cos(2*math.Pi*14/24), vec[4], 1e-9)
	require.Equal(t, float64(start.Weekday()), vec[5])
	require.InDelta(t, 21.5, vec[6], 1e-9)
}

func TestExtractZeroDurationRateIsZero(t *testing.T) {
	start := time.Now()
	sess := domain.Session{Start: start, End: start, WeightStart: 7, WeightEnd: 5}
	vec := Extract(sess)
	require.Equal(t, 0.0, vec[2])
}

func TestExtractIsPure(t *testing.T) {
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	sess := domain.Session{Start: start, End: start.Add(30 * time.Minute), WeightStart: 10, WeightEnd: 9, MeanTemp: 18}
	a := Extract(sess)
	b := Extract(sess)
	require.Equal(t, a, b)
}

func TestSanitizeClampsNaNAndInf(t *testing.T) {
	require.Equal(t, 0.0, sanitize(math.NaN()))
	require.Equal(t, 0.0, sanitize(math.Inf(1)))
	require.Equal(t, 0.0, sanitize(math.Inf(-1)))
	require.Equal(t, 3.0, sanitize(3.0))
}
