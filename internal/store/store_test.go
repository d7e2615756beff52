package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cattlefeed/ingest/internal/domain"
)

// These tests exercise a live Postgres instance named by STORE_TEST_DSN and
// are skipped otherwise — there is no in-process Postgres embeddable the
// way the teacher's sqlite store is, so CI wires STORE_TEST_DSN to a
// throwaway database rather than running these by default.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("STORE_TEST_DSN")
	if dsn == "" {
		t.Skip("STORE_TEST_DSN not set, skipping store integration test")
	}
	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedFarmerAndAnimal(t *testing.T, s *Store) (farmerID, animalID string) {
	t.Helper()
	ctx := context.Background()
	farmerID = uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO farmer (id, name, email, verifier) VALUES ($1, 'F', $2, 'v')`,
		farmerID, farmerID+"@example.com")
	require.NoError(t, err)

	animalID = uuid.NewString()
	_, err = s.db.ExecContext(ctx, `INSERT INTO animal (id, farmer_id, name) VALUES ($1, $2, 'A')`, animalID, farmerID)
	require.NoError(t, err)
	return
}

func TestRawSampleRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpsertDevices(ctx, []DeviceSeen{{DeviceID: "d1", Address: "10.0.0.1", Instant: now}}))
	require.NoError(t, s.UpsertTags(ctx, []string{"tag-1"}))
	require.NoError(t, s.InsertRawSamples(ctx, []domain.RawSample{{
		Instant: now, DeviceID: "d1", Weight: 7.0, Address: "10.0.0.1",
	}}))
}

func TestAssignTagOneOpenWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, animalID := seedFarmerAndAnimal(t, s)

	require.NoError(t, s.UpsertTags(ctx, []string{"tag-x"}))
	require.NoError(t, s.AssignTag(ctx, "tag-x", animalID, time.Now().UTC()))

	// Reassigning closes the prior window; there must be exactly one open one.
	require.NoError(t, s.AssignTag(ctx, "tag-x", animalID, time.Now().UTC().Add(time.Minute)))

	var openCount int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rfid_ownership WHERE tag = $1 AND time_end IS NULL`, "tag-x").Scan(&openCount))
	require.Equal(t, 1, openCount)
}

func TestActivateModelOnlyOneActivePerAnimal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, animalID := seedFarmerAndAnimal(t, s)

	m := domain.Model{Version: "v1", Artifact: []byte{1, 2, 3}, TrainingStart: time.Now(), TrainingEnd: time.Now(), Metrics: "{}"}
	m.AnimalID.String, m.AnimalID.Valid = animalID, true

	_, err := s.ActivateModel(ctx, m)
	require.NoError(t, err)
	_, err = s.ActivateModel(ctx, m)
	require.NoError(t, err)

	var activeCount int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ml_model WHERE animal_id = $1 AND is_active = true`, animalID).Scan(&activeCount))
	require.Equal(t, 1, activeCount)
}

func TestInsertAnomalyScoresIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, animalID := seedFarmerAndAnimal(t, s)

	m := domain.Model{Version: "v1", Artifact: []byte{1}, TrainingStart: time.Now(), TrainingEnd: time.Now(), Metrics: "{}"}
	m.AnimalID.String, m.AnimalID.Valid = animalID, true
	modelID, err := s.ActivateModel(ctx, m)
	require.NoError(t, err)

	sess := domain.Session{
		DeviceID: "d1", Tag: "tag-1", AnimalID: animalID,
		Start: time.Now().Add(-time.Hour), End: time.Now(),
		WeightStart: 7, WeightEnd: 5,
	}
	res, err := s.InsertSessionWithScore(ctx, sess, nil)
	require.NoError(t, err)

	score := domain.AnomalyScore{ModelID: modelID, SessionID: res.SessionID, Score: -1.2, Anomaly: true}
	require.NoError(t, s.InsertAnomalyScores(ctx, []domain.AnomalyScore{score}))
	require.NoError(t, s.InsertAnomalyScores(ctx, []domain.AnomalyScore{score}))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomaly_score WHERE model_id = $1 AND session_id = $2`, modelID, res.SessionID).Scan(&count))
	require.Equal(t, 1, count)
}
