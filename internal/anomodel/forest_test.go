package anomodel

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleData(n, dims int, rng *rand.Rand) [][]float64 {
	X := make([][]float64, n)
	for i := range X {
		row := make([]float64, dims)
		for j := range row {
			row[j] = rng.Float64() * 10
		}
		X[i] = row
	}
	return X
}

func TestTrainAndScoreShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	X := sampleData(300, 7, rng)

	f := Train(X, Params{NEstimators: 20, SubsampleSize: 64, Contamination: 0.05}, rng)
	require.Len(t, f.Trees, 20)

	scores := f.ScoreBatch(X)
	require.Len(t, scores, len(X))
}

func TestAnomalousPointScoresHigher(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	// Tight cluster around (1,1,...) with one far-out outlier.
	X := make([][]float64, 0, 200)
	for i := 0; i < 199; i++ {
		row := make([]float64, 5)
		for j := range row {
			row[j] = 1 + rng.Float64()*0.05
		}
		X = append(X, row)
	}
	outlier := []float64{500, 500, 500, 500, 500}
	X = append(X, outlier)

	f := Train(X, Params{NEstimators: 50, SubsampleSize: 100}, rng)

	normalScore := f.Score(X[0])
	outlierScore := f.Score(outlier)
	require.Greater(t, outlierScore, normalScore)
}

func TestSerializeRoundTripIsBitIdentical(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	X := sampleData(150, 7, rng)
	f := Train(X, Params{NEstimators: 10, SubsampleSize: 50}, rng)

	data, err := Marshal(f)
	require.NoError(t, err)

	restored, err := Unmarshal(data)
	require.NoError(t, err)

	original := f.ScoreBatch(X)
	roundTripped := restored.ScoreBatch(X)
	require.Equal(t, original, roundTripped)
	require.Equal(t, f.Threshold, restored.Threshold)
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	_, err := Unmarshal([]byte{0, 0, 0, 0, 1})
	require.Error(t, err)
}

func TestCacheLoadsOnce(t *testing.T) {
	c := NewCache()
	loads := 0
	load := func() (*Forest, error) {
		loads++
		return &Forest{}, nil
	}
	_, err := c.GetOrLoad("animal-1", load)
	require.NoError(t, err)
	_, err = c.GetOrLoad("animal-1", load)
	require.NoError(t, err)
	require.Equal(t, 1, loads)
}

func TestPercentileBoundaries(t *testing.T) {
	scores := []float64{1, 2, 3, 4, 5}
	require.Equal(t, 1.0, percentile(scores, 0))
	require.Equal(t, 5.0, percentile(scores, 100))
	require.Equal(t, 3.0, percentile(scores, 50))
}
