package rollout

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-serve/inference-serve/serve"
)

func TestMain(m *testing.M) {
	// Suppress per-decision logging during tests
	logrus.SetLevel(logrus.WarnLevel)
	os.Exit(m.Run())
}

func testEngine(t *testing.T) (*Engine, *serve.TrafficRouter) {
	t.Helper()
	router, err := serve.NewTrafficRouter(serve.StrategyWeighted, "", 1)
	require.NoError(t, err)
	return NewEngine(router, nil), router
}

func targetWeight(t *testing.T, router *serve.TrafficRouter, version string) float64 {
	t.Helper()
	stats, ok := router.TargetStats(version)
	require.True(t, ok, "target %s not registered", version)
	return stats.Weight
}

func recordTraffic(router *serve.TrafficRouter, version string, n int, latency time.Duration, errEvery int) {
	for i := 0; i < n; i++ {
		isErr := errEvery > 0 && i%errEvery == 0
		router.RecordResult(version, latency, isErr)
	}
}

func TestEngine_Start_CanaryWeights(t *testing.T) {
	// GIVEN a fresh engine
	e, router := testEngine(t)

	// WHEN a canary rollout starts at the default 10%
	r, err := e.Start(Config{SourceVersion: "v1", TargetVersion: "v2"})

	// THEN it is in progress with a 90/10 split on the router
	require.NoError(t, err)
	assert.Equal(t, PhaseInProgress, r.Phase)
	assert.Equal(t, 10.0, r.Percent)
	assert.InDelta(t, 0.9, targetWeight(t, router, "v1"), 1e-9)
	assert.InDelta(t, 0.1, targetWeight(t, router, "v2"), 1e-9)
}

func TestEngine_Start_Validation(t *testing.T) {
	e, _ := testEngine(t)
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing versions", Config{}},
		{"identical versions", Config{SourceVersion: "v1", TargetVersion: "v1"}},
		{"unknown strategy", Config{SourceVersion: "v1", TargetVersion: "v2", Strategy: "recreate"}},
		{"initial above 100", Config{SourceVersion: "v1", TargetVersion: "v2", InitialPercent: 150}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Start(tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestEngine_Advance_StepsToCompletion(t *testing.T) {
	// GIVEN an in-progress canary at 10% with healthy traffic on both sides
	e, router := testEngine(t)
	r, err := e.Start(Config{SourceVersion: "v1", TargetVersion: "v2"})
	require.NoError(t, err)
	recordTraffic(router, "v1", 100, 10*time.Millisecond, 0)
	recordTraffic(router, "v2", 50, 10*time.Millisecond, 0)

	// WHEN advancing repeatedly by the default 10-point step
	for i := 0; i < 9; i++ {
		r, err = e.Advance(r.ID, 0)
		require.NoError(t, err)
	}

	// THEN the rollout completes at 100% with the source retired
	assert.Equal(t, PhaseCompleted, r.Phase)
	assert.Equal(t, 100.0, r.Percent)
	assert.InDelta(t, 1.0, targetWeight(t, router, "v2"), 1e-9)
	_, ok := router.TargetStats("v1")
	assert.False(t, ok, "completed rollout must retire the source")
	assert.Len(t, r.History, 9, "each advance appends a snapshot")

	// AND a completed rollout rejects further advances
	_, err = e.Advance(r.ID, 0)
	assert.ErrorIs(t, err, ErrNotInProgress)
}

func TestEngine_Advance_ExplicitPercent(t *testing.T) {
	// GIVEN an in-progress canary
	e, router := testEngine(t)
	r, err := e.Start(Config{SourceVersion: "v1", TargetVersion: "v2"})
	require.NoError(t, err)
	recordTraffic(router, "v1", 100, 10*time.Millisecond, 0)
	recordTraffic(router, "v2", 50, 10*time.Millisecond, 0)

	// WHEN advancing to an explicit percentage
	r, err = e.Advance(r.ID, 60)

	// THEN the explicit value overrides the step
	require.NoError(t, err)
	assert.Equal(t, 60.0, r.Percent)
	assert.InDelta(t, 0.6, targetWeight(t, router, "v2"), 1e-9)
}

func TestEngine_Advance_RollsBackOnCandidateRegression(t *testing.T) {
	// GIVEN a canary whose candidate is far slower than baseline
	e, router := testEngine(t)
	r, err := e.Start(Config{SourceVersion: "v1", TargetVersion: "v2"})
	require.NoError(t, err)
	recordTraffic(router, "v1", 100, 10*time.Millisecond, 0)
	recordTraffic(router, "v2", 20, 50*time.Millisecond, 0)

	// WHEN advancing
	r, err = e.Advance(r.ID, 0)

	// THEN the health check rolls back instead: source restored to 100%,
	// candidate removed, no error returned
	require.NoError(t, err)
	assert.Equal(t, PhaseRolledBack, r.Phase)
	assert.Equal(t, "candidate health regression", r.FailureReason)
	assert.InDelta(t, 1.0, targetWeight(t, router, "v1"), 1e-9)
	_, ok := router.TargetStats("v2")
	assert.False(t, ok)
}

func TestEngine_BlueGreen_CutsOverOnFirstAdvance(t *testing.T) {
	// GIVEN a healthy blue-green rollout
	e, router := testEngine(t)
	r, err := e.Start(Config{SourceVersion: "blue", TargetVersion: "green", Strategy: StrategyBlueGreen})
	require.NoError(t, err)
	recordTraffic(router, "blue", 100, 10*time.Millisecond, 0)
	recordTraffic(router, "green", 50, 10*time.Millisecond, 0)

	// WHEN the first advance lands
	r, err = e.Advance(r.ID, 0)

	// THEN traffic cuts over to 100% and the rollout completes
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, r.Phase)
	assert.Equal(t, 100.0, r.Percent)
	assert.InDelta(t, 1.0, targetWeight(t, router, "green"), 1e-9)
}

func TestEngine_PauseResume(t *testing.T) {
	// GIVEN an in-progress rollout
	e, _ := testEngine(t)
	r, err := e.Start(Config{SourceVersion: "v1", TargetVersion: "v2"})
	require.NoError(t, err)

	// WHEN paused
	r, err = e.Pause(r.ID)
	require.NoError(t, err)
	assert.Equal(t, PhasePaused, r.Phase)

	// THEN advancing is rejected while paused
	_, err = e.Advance(r.ID, 0)
	assert.ErrorIs(t, err, ErrNotInProgress)

	// AND resuming restores in_progress at the same percentage
	r, err = e.Resume(r.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseInProgress, r.Phase)
	assert.Equal(t, 10.0, r.Percent)
}

func TestEngine_DirectRollback(t *testing.T) {
	// GIVEN an in-progress rollout
	e, router := testEngine(t)
	r, err := e.Start(Config{SourceVersion: "v1", TargetVersion: "v2"})
	require.NoError(t, err)

	// WHEN the operator rolls it back by hand
	r, err = e.Rollback(r.ID, "bad deploy")

	// THEN the source is restored and the reason recorded
	require.NoError(t, err)
	assert.Equal(t, PhaseRolledBack, r.Phase)
	assert.Equal(t, "bad deploy", r.FailureReason)
	assert.InDelta(t, 1.0, targetWeight(t, router, "v1"), 1e-9)

	// AND rolling back a terminal rollout is rejected
	_, err = e.Rollback(r.ID, "again")
	assert.ErrorIs(t, err, ErrNotInProgress)
}

func TestEngine_Complete_PromotesImmediately(t *testing.T) {
	// GIVEN an in-progress rollout at 10%
	e, router := testEngine(t)
	r, err := e.Start(Config{SourceVersion: "v1", TargetVersion: "v2"})
	require.NoError(t, err)

	// WHEN completed directly
	r, err = e.Complete(r.ID)

	// THEN the target takes all traffic and the source is retired
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, r.Phase)
	assert.InDelta(t, 1.0, targetWeight(t, router, "v2"), 1e-9)
	_, ok := router.TargetStats("v1")
	assert.False(t, ok)
}

func TestEngine_GetAndList(t *testing.T) {
	// GIVEN two rollouts started in order
	e, _ := testEngine(t)
	now := time.Unix(12000, 0)
	e.nowFn = func() time.Time { return now }
	first, err := e.Start(Config{SourceVersion: "v1", TargetVersion: "v2"})
	require.NoError(t, err)
	now = now.Add(time.Minute)
	second, err := e.Start(Config{SourceVersion: "a", TargetVersion: "b"})
	require.NoError(t, err)

	// THEN Get returns each by ID and unknown IDs fail
	got, err := e.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	_, err = e.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// AND List orders newest first
	list := e.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestEngine_AutoAdvance(t *testing.T) {
	// GIVEN a healthy rollout under a fast auto-advance ticker
	e, router := testEngine(t)
	r, err := e.Start(Config{SourceVersion: "v1", TargetVersion: "v2"})
	require.NoError(t, err)
	recordTraffic(router, "v1", 100, 10*time.Millisecond, 0)
	recordTraffic(router, "v2", 50, 10*time.Millisecond, 0)
	require.NoError(t, e.StartAutoAdvance(5*time.Millisecond))
	defer e.StopAutoAdvance()

	// THEN the rollout completes on its own
	deadline := time.After(5 * time.Second)
	for {
		got, err := e.Get(r.ID)
		require.NoError(t, err)
		if got.Phase == PhaseCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("rollout stuck at %.0f%% in phase %s", got.Percent, got.Phase)
		case <-time.After(5 * time.Millisecond):
		}
	}

	// AND a second ticker cannot be started while one runs
	assert.Error(t, e.StartAutoAdvance(time.Minute))
}
