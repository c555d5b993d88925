package nav

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedDebugTracker(t *testing.T) *DebugTracker {
	t.Helper()
	tr := NewDebugTracker(TrackerConfig{})
	require.NoError(t, tr.Connect(context.Background()))
	return tr
}

func translationRegistration(offset Vec3, mode RefMode) *Registration {
	return &Registration{ChangeOfBasis: Translation4(offset), Method: MethodLeastSquares, RefMode: mode}
}

func TestNewCoregistrator_Defaults(t *testing.T) {
	c := NewCoregistrator(connectedDebugTracker(t), NavigationConfig{}, false)
	cfg := c.Config()
	assert.Equal(t, DefaultInterval, cfg.Interval)
	assert.Equal(t, RefModeStatic, c.RefMode())
	assert.Equal(t, DefaultDistanceThreshold, cfg.DistanceThresh)
	assert.Equal(t, DefaultAngleThreshold, cfg.AngleThresh)
	assert.Equal(t, DefaultSeedOffset, cfg.SeedOffset)
}

func TestCoregistrator_ComputeWithoutRegistration(t *testing.T) {
	tr := connectedDebugTracker(t)
	c := NewCoregistrator(tr, NavigationConfig{}, false)

	err := c.Tick(context.Background())
	assert.ErrorIs(t, err, ErrNoRegistration)

	// The raw sample is still kept for fiducial collection
	_, ok := c.LatestSample()
	assert.True(t, ok)
	assert.Equal(t, 0, c.Coords.Len())

	st := c.Status()
	assert.Equal(t, uint64(1), st.Errors)
	assert.False(t, st.Registered)
	assert.Contains(t, st.LastError, "registration")
}

func TestCoregistrator_StaticMode(t *testing.T) {
	tr := connectedDebugTracker(t)
	tr.SetPose(MarkerProbe, Pose{X: 10, Y: 20, Z: 30, Gamma: 90})
	c := NewCoregistrator(tr, NavigationConfig{}, false)
	c.SetRegistration(translationRegistration(Vec3{1, 1, 1}, RefModeStatic))

	require.NoError(t, c.Tick(context.Background()))
	coord, ok := c.Coords.TryGet()
	require.True(t, ok)

	assert.Equal(t, MarkerProbe, coord.Object)
	assert.Equal(t, uint64(1), coord.Sequence)
	assert.InDelta(t, 11, coord.Pose.X, 1e-9)
	assert.InDelta(t, 21, coord.Pose.Y, 1e-9)
	assert.InDelta(t, 31, coord.Pose.Z, 1e-9)
	assert.InDelta(t, 90, coord.Pose.Gamma, 1e-9)
	assert.True(t, coord.Visibility[MarkerCoil])
}

func TestCoregistrator_DynamicModeFollowsHead(t *testing.T) {
	tr := connectedDebugTracker(t)
	tr.SetPose(MarkerReference, Pose{X: 50})
	tr.SetPose(MarkerProbe, Pose{X: 60})
	c := NewCoregistrator(tr, NavigationConfig{RefMode: RefModeDynamic}, false)
	c.SetRegistration(translationRegistration(Vec3{}, RefModeDynamic))

	require.NoError(t, c.Tick(context.Background()))
	first, ok := c.Coords.TryGet()
	require.True(t, ok)
	assert.InDelta(t, 10, first.Pose.X, 1e-9)

	// Head and probe move together: the image coordinate does not change
	tr.SetPose(MarkerReference, Pose{X: 80, Gamma: 30})
	tr.SetPose(MarkerProbe, MatrixToPose(Multiply(PoseToMatrix(Pose{X: 80, Gamma: 30}), Translation4(Vec3{10, 0, 0}))))
	require.NoError(t, c.Tick(context.Background()))
	second, ok := c.Coords.TryGet()
	require.True(t, ok)
	assertVecNear(t, first.Pose.Position(), second.Pose.Position(), 1e-9)
}

func TestCoregistrator_HiddenMarker(t *testing.T) {
	tr := connectedDebugTracker(t)
	c := NewCoregistrator(tr, NavigationConfig{RefMode: RefModeDynamic}, false)
	c.SetRegistration(translationRegistration(Vec3{}, RefModeDynamic))

	tr.SetVisible(MarkerReference, false)
	err := c.Tick(context.Background())
	assert.ErrorIs(t, err, ErrMarkerNotVisible)
	var me *MarkerError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, MarkerReference, me.Marker)
	assert.Equal(t, MarkerReference, c.Status().MissingMarker)

	tr.SetVisible(MarkerReference, true)
	require.NoError(t, c.Tick(context.Background()))
	st := c.Status()
	assert.Empty(t, st.LastError)
	assert.Empty(t, st.MissingMarker)
	assert.Equal(t, uint64(1), st.Produced)
}

func TestCoregistrator_CoilOffset(t *testing.T) {
	tr := connectedDebugTracker(t)
	tr.SetPose(MarkerCoil, Pose{X: 0, Y: 0, Z: 100})
	offset := Pose{Z: -20}
	c := NewCoregistrator(tr, NavigationConfig{TrackObject: true, ObjectOffset: &offset}, false)
	c.SetRegistration(translationRegistration(Vec3{}, RefModeStatic))

	require.NoError(t, c.Tick(context.Background()))
	coord, ok := c.Coords.TryGet()
	require.True(t, ok)
	assert.Equal(t, MarkerCoil, coord.Object)
	assert.InDelta(t, 80, coord.Pose.Z, 1e-9)

	c.SetObjectOffset(nil)
	require.NoError(t, c.Tick(context.Background()))
	coord, _ = c.Coords.TryGet()
	assert.InDelta(t, 100, coord.Pose.Z, 1e-9)
}

func TestCoregistrator_ICPCorrectionApplied(t *testing.T) {
	tr := connectedDebugTracker(t)
	tr.SetPose(MarkerProbe, Pose{})
	c := NewCoregistrator(tr, NavigationConfig{}, false)
	icp := Translation4(Vec3{0, 0, 2})
	c.SetRegistration(translationRegistration(Vec3{5, 0, 0}, RefModeStatic).WithICP(&icp, 0.1))

	require.NoError(t, c.Tick(context.Background()))
	coord, _ := c.Coords.TryGet()
	assertVecNear(t, Vec3{5, 0, 2}, coord.Pose.Position(), 1e-9)
}

func TestCoregistrator_TargetAndSeed(t *testing.T) {
	tr := connectedDebugTracker(t)
	tr.SetPose(MarkerProbe, Pose{X: 10})
	c := NewCoregistrator(tr, NavigationConfig{SeedOffset: 20}, false)
	c.SetRegistration(translationRegistration(Vec3{}, RefModeStatic))

	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, 0, c.Targets.Len(), "no target, no guidance")

	c.SetTarget(&Pose{X: 12})
	got, ok := c.Target()
	require.True(t, ok)
	assert.InDelta(t, 12, got.X, 1e-9)

	require.NoError(t, c.Tick(context.Background()))
	status, ok := c.Targets.TryGet()
	require.True(t, ok)
	assert.InDelta(t, 2, status.Distance, 1e-9)
	assert.True(t, status.OnTarget)
	assertVecNear(t, Vec3{2, 0, 0}, status.Displacement, 1e-9)

	seed, ok := c.Seeds.TryGet()
	require.True(t, ok)
	assertVecNear(t, Vec3{10, 0, -20}, seed.Seed, 1e-9)
	assertVecNear(t, Vec3{0, 0, -1}, seed.Direction, 1e-9)
	assert.Equal(t, status.Sequence, seed.Sequence)

	c.SetTarget(nil)
	_, ok = c.Target()
	assert.False(t, ok)
}

func TestTargetGuidance_Angle(t *testing.T) {
	coord := NavCoordinate{Matrix: PoseToMatrix(Pose{Gamma: 10})}
	status := TargetGuidance(coord, PoseToMatrix(Pose{}), 3, 3)
	assert.InDelta(t, 0, status.Distance, 1e-9)
	assert.InDelta(t, 10, status.AngleError, 1e-9)
	assert.False(t, status.OnTarget, "aligned in position but not orientation")
}

func TestCoregistrator_RecentPoints(t *testing.T) {
	tr := connectedDebugTracker(t)
	tr.SetPose(MarkerProbe, Pose{X: 1, Y: 2, Z: 3})
	c := NewCoregistrator(tr, NavigationConfig{}, false)

	_, err := c.RecentProbePoint()
	assert.Error(t, err, "no sample yet")
	_, err = c.RecentImagePoint()
	assert.ErrorIs(t, err, ErrNoRegistration)

	_ = c.Tick(context.Background())
	p, err := c.RecentProbePoint()
	require.NoError(t, err)
	assert.Equal(t, Vec3{1, 2, 3}, p)

	c.SetRegistration(translationRegistration(Vec3{0, 0, 10}, RefModeStatic))
	p, err = c.RecentImagePoint()
	require.NoError(t, err)
	assertVecNear(t, Vec3{1, 2, 13}, p, 1e-12)

	// Stale samples are refused
	c.now = func() time.Time { return time.Now().Add(5 * time.Second) }
	_, err = c.RecentProbePoint()
	assert.Error(t, err)
}

func TestCoregistrator_RecentImagePointUsesRegistrationMode(t *testing.T) {
	tr := connectedDebugTracker(t)
	tr.SetPose(MarkerReference, Pose{X: 50})
	tr.SetPose(MarkerProbe, Pose{X: 60})

	// Dynamic registration restored under a static config
	c := NewCoregistrator(tr, NavigationConfig{RefMode: RefModeStatic}, false)
	c.SetRegistration(translationRegistration(Vec3{}, RefModeDynamic))
	require.NoError(t, c.Tick(context.Background()))

	coord, ok := c.Coords.TryGet()
	require.True(t, ok)
	p, err := c.RecentImagePoint()
	require.NoError(t, err)
	assertVecNear(t, coord.Pose.Position(), p, 1e-9)
	assert.InDelta(t, 10, p.X, 1e-9)

	// New fiducials follow the configured mode
	probe, err := c.RecentProbePoint()
	require.NoError(t, err)
	assert.InDelta(t, 60, probe.X, 1e-9)
}

func TestCoregistrator_RunAndClose(t *testing.T) {
	tr := connectedDebugTracker(t)
	c := NewCoregistrator(tr, NavigationConfig{Interval: 5 * time.Millisecond}, false)
	c.SetRegistration(translationRegistration(Vec3{}, RefModeStatic))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Status().Produced >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.Status().Running)
	assert.Error(t, c.Run(ctx), "second Run is refused")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	assert.False(t, c.Status().Running)

	c.Close()
	coord, err := c.Coords.Get(context.Background())
	require.NoError(t, err, "pending coordinate survives Close")
	assert.NotZero(t, coord.Sequence)
	_, err = c.Coords.Get(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestCoregistrator_SamplingError(t *testing.T) {
	tr := NewDebugTracker(TrackerConfig{})
	c := NewCoregistrator(tr, NavigationConfig{}, false)
	c.SetRegistration(translationRegistration(Vec3{}, RefModeStatic))

	err := c.Tick(context.Background())
	assert.ErrorIs(t, err, ErrTrackerNotConnected)
	_, ok := c.LatestSample()
	assert.False(t, ok)
}
