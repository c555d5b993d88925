package nav

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, fiducials FiducialConfig) (*Session, *DebugTracker, *Coregistrator) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Fiducials = fiducials
	cfg.Navigation.RegistrationPath = filepath.Join(t.TempDir(), "reg.json")

	tr := connectedDebugTracker(t)
	coreg := NewCoregistrator(tr, cfg.Navigation, false)
	return NewSession(coreg, cfg), tr, coreg
}

func TestSession_RegisterInstallsAndPersists(t *testing.T) {
	s, _, coreg := newTestSession(t, FiducialConfig{Image: imageFiducials, Tracker: trackerFiducials(t)})

	var notified []*Registration
	s.OnRegistration(func(r *Registration) { notified = append(notified, r) })
	s.AppendICPPoints(Vec3{1, 2, 3})

	reg, err := s.Register()
	require.NoError(t, err)
	assert.Same(t, reg, coreg.Registration())
	require.Len(t, notified, 1)
	assert.Same(t, reg, notified[0])
	assert.Empty(t, s.ICPPoints(), "new registration drops ICP points")

	cache, err := LoadRegistration(s.cachePath)
	require.NoError(t, err)
	require.NotNil(t, cache)
	assertMatrixNear(t, reg.ChangeOfBasis, cache.Registration.ChangeOfBasis, 1e-12)
}

func TestSession_RegisterIncomplete(t *testing.T) {
	s, _, coreg := newTestSession(t, FiducialConfig{Image: imageFiducials})
	_, err := s.Register()
	assert.ErrorIs(t, err, ErrIncompleteFiducials)
	assert.Nil(t, coreg.Registration())
}

func TestSession_RegisterFRELimit(t *testing.T) {
	s, _, coreg := newTestSession(t, FiducialConfig{
		Image:   imageFiducials,
		Tracker: []Vec3{{-70, 0, 0}, {70, 0, 0}, {0, 96, 0}},
	})
	s.maxFRE = 0.5

	reg, err := s.Register()
	assert.ErrorIs(t, err, ErrFRETooHigh)
	require.NotNil(t, reg, "the rejected registration is returned for inspection")
	assert.Nil(t, coreg.Registration(), "but not installed")
}

func TestSession_CaptureTrackerFiducial(t *testing.T) {
	s, tr, coreg := newTestSession(t, FiducialConfig{Image: imageFiducials})

	_, err := s.CaptureTrackerFiducial(0)
	assert.Error(t, err, "no sample yet")
	_, err = s.CaptureTrackerFiducial(5)
	assert.Error(t, err)

	for i, p := range imageFiducials {
		tr.SetPose(MarkerProbe, Pose{X: p.X, Y: p.Y, Z: p.Z})
		_ = coreg.Tick(context.Background())
		got, err := s.CaptureTrackerFiducial(i)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	assert.True(t, s.Fiducials().Complete())

	reg, err := s.Register()
	require.NoError(t, err)
	assertMatrixNear(t, Identity4(), reg.ChangeOfBasis, 1e-9)
}

func TestSession_ICPWorkflow(t *testing.T) {
	s, tr, coreg := newTestSession(t, FiducialConfig{Image: imageFiducials, Tracker: imageFiducials})

	_, err := s.RunICP()
	assert.ErrorIs(t, err, ErrNoRegistration)

	_, err = s.Register()
	require.NoError(t, err)
	assert.False(t, s.HasSurface())

	// Probe reads 0.5mm off the sphere along x
	tr.SetPose(MarkerProbe, Pose{X: 80.5})
	_ = coreg.Tick(context.Background())
	p, n, err := s.AddICPPoint()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertVecNear(t, Vec3{80.5, 0, 0}, p, 1e-9)

	pts := spherePoints(80, 13, 36)
	surface, err := NewSurface(pts)
	require.NoError(t, err)
	s.SetSurface(surface)
	assert.True(t, s.HasSurface())

	shift := Vec3{0.5, 0, 0}
	var collected []Vec3
	for i := 0; i < len(pts); i += 9 {
		collected = append(collected, pts[i].Add(shift))
	}
	s.ResetICP()
	s.AppendICPPoints(collected...)

	result, err := s.RunICP()
	require.NoError(t, err)
	assert.Less(t, result.Error, result.InitialError)

	reg := coreg.Registration()
	require.NotNil(t, reg.ICP)
	assertVecNear(t, Vec3{-0.5, 0, 0}, reg.ICP.TranslationPart(), 1e-6)

	s.ResetICP()
	assert.Nil(t, coreg.Registration().ICP)
	assert.Empty(t, s.ICPPoints())
}

func TestSession_Restore(t *testing.T) {
	s, _, coreg := newTestSession(t, FiducialConfig{})
	s.Restore(nil)
	assert.Nil(t, coreg.Registration())

	reg, err := Register(completeSet(t), MethodBasis, RefModeStatic)
	require.NoError(t, err)
	s.Restore(&RegistrationCache{Registration: reg, ICPPoints: []Vec3{{1, 1, 1}}})

	assert.Same(t, reg, coreg.Registration())
	assert.Equal(t, []Vec3{{1, 1, 1}}, s.ICPPoints())
	assert.True(t, s.Fiducials().Complete())
}

func TestSession_RunICPRejectsPointsOffSurface(t *testing.T) {
	s, _, coreg := newTestSession(t, FiducialConfig{Image: imageFiducials, Tracker: imageFiducials})
	reg, err := s.Register()
	require.NoError(t, err)

	surface, err := NewSurface(spherePoints(80, 13, 36))
	require.NoError(t, err)
	s.SetSurface(surface)
	for i := 0; i < 6; i++ {
		s.AppendICPPoints(Vec3{500, float64(i) * 10, 0})
	}

	_, err = s.RunICP()
	assert.ErrorIs(t, err, ErrNotEnoughPoints)
	assert.Same(t, reg, coreg.Registration(), "registration left untouched")
	assert.Nil(t, coreg.Registration().ICP)
}

func TestSession_ICPDoesNotReinstallReplacedRegistration(t *testing.T) {
	s, _, coreg := newTestSession(t, FiducialConfig{Image: imageFiducials, Tracker: imageFiducials})
	stale, err := s.Register()
	require.NoError(t, err)

	// A new registration lands while ICP was refining the old one
	fresh, err := s.Register()
	require.NoError(t, err)
	require.NotSame(t, stale, fresh)

	result := ICPResult{Transform: Translation4(Vec3{1, 0, 0}), Error: 0.2}
	err = s.installICP(stale, result)
	assert.ErrorIs(t, err, ErrRegistrationChanged)
	assert.Same(t, fresh, coreg.Registration())

	require.NoError(t, s.installICP(fresh, result))
	require.NotNil(t, coreg.Registration().ICP)
	assert.Equal(t, 0.2, coreg.Registration().ICPError)
}
