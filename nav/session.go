package nav

import (
	"fmt"
	"log"
	"math"
	"sync"
)

// MaxICPShift is the largest translation an ICP correction may apply, in mm
const MaxICPShift = 50.0

// RegistrationListener is notified after each registration swap
type RegistrationListener func(r *Registration)

// Session owns the fiducials and ICP points collected during a navigation
// session and pushes every new registration into the coregistration loop.
type Session struct {
	// installMu serialises registration swaps
	installMu sync.Mutex

	mu        sync.Mutex
	coreg     *Coregistrator
	fiducials FiducialSet
	icpPoints []Vec3
	surface   *Surface
	icpConfig ICPConfig
	method    string
	maxFRE    float64
	cachePath string
	listeners []RegistrationListener
}

// NewSession creates a session around coreg. Preconfigured fiducials are
// loaded from cfg.Fiducials.
func NewSession(coreg *Coregistrator, cfg *Config) *Session {
	return &Session{
		coreg:     coreg,
		fiducials: FiducialSetFromConfig(cfg.Fiducials),
		icpConfig: ICPConfigFromSettings(cfg.ICP),
		method:    cfg.Navigation.Method,
		maxFRE:    cfg.Navigation.MaxFRE,
		cachePath: cfg.Navigation.RegistrationPath,
	}
}

// OnRegistration registers a listener called after each registration swap
func (s *Session) OnRegistration(l RegistrationListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// SetSurface sets the scalp surface used for ICP
func (s *Session) SetSurface(surface *Surface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surface = surface
}

// HasSurface reports whether a surface is loaded
func (s *Session) HasSurface() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface != nil
}

// Fiducials returns a copy of the collected fiducials
func (s *Session) Fiducials() FiducialSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fiducials.Clone()
}

// SetImageFiducial stores an image-space fiducial chosen on the slices
func (s *Session) SetImageFiducial(index int, p Vec3) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fiducials.SetImage(index, p)
}

// SetTrackerFiducial stores a tracker-space fiducial directly
func (s *Session) SetTrackerFiducial(index int, p Vec3) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fiducials.SetTracker(index, p)
}

// CaptureTrackerFiducial records the current probe tip as tracker fiducial index
func (s *Session) CaptureTrackerFiducial(index int) (Vec3, error) {
	if err := checkIndex(index); err != nil {
		return Vec3{}, err
	}
	p, err := s.coreg.RecentProbePoint()
	if err != nil {
		return Vec3{}, fmt.Errorf("capturing fiducial %d: %w", index, err)
	}
	if err := s.SetTrackerFiducial(index, p); err != nil {
		return Vec3{}, err
	}
	log.Printf("[NAV] Captured tracker fiducial %s at (%.2f, %.2f, %.2f)", FiducialNames[index], p.X, p.Y, p.Z)
	return p, nil
}

// Register computes a registration from the collected fiducials and swaps it in.
// Any ICP correction is discarded since it was fitted to the old registration.
func (s *Session) Register() (*Registration, error) {
	s.mu.Lock()
	fs := s.fiducials.Clone()
	method := s.method
	maxFRE := s.maxFRE
	s.mu.Unlock()

	reg, err := Register(fs, method, s.coreg.RefMode())
	if err != nil {
		return nil, err
	}
	if err := CheckFRE(reg, maxFRE); err != nil {
		return reg, err
	}

	s.installMu.Lock()
	defer s.installMu.Unlock()
	s.mu.Lock()
	s.icpPoints = nil
	s.mu.Unlock()

	s.install(reg)
	return reg, nil
}

// Restore installs a previously saved registration and its ICP points
func (s *Session) Restore(cache *RegistrationCache) {
	if cache == nil || cache.Registration == nil {
		return
	}
	s.installMu.Lock()
	defer s.installMu.Unlock()
	s.mu.Lock()
	s.fiducials = cache.Registration.Fiducials.Clone()
	s.icpPoints = append([]Vec3(nil), cache.ICPPoints...)
	s.mu.Unlock()
	s.install(cache.Registration)
}

// AddICPPoint records the current probe tip in image space
func (s *Session) AddICPPoint() (Vec3, int, error) {
	p, err := s.coreg.RecentImagePoint()
	if err != nil {
		return Vec3{}, 0, fmt.Errorf("collecting ICP point: %w", err)
	}
	n := s.AppendICPPoints(p)
	return p, n, nil
}

// AppendICPPoints adds image-space points and returns the new total
func (s *Session) AppendICPPoints(points ...Vec3) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.icpPoints = append(s.icpPoints, points...)
	return len(s.icpPoints)
}

// ICPPoints returns a copy of the collected points
func (s *Session) ICPPoints() []Vec3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Vec3(nil), s.icpPoints...)
}

// RunICP refines the active registration against the surface and swaps in the result
func (s *Session) RunICP() (ICPResult, error) {
	reg := s.coreg.Registration()
	if reg == nil {
		return ICPResult{}, ErrNoRegistration
	}

	s.mu.Lock()
	points := append([]Vec3(nil), s.icpPoints...)
	surface := s.surface
	cfg := s.icpConfig
	s.mu.Unlock()

	result, err := RunICP(points, surface, Identity4(), cfg)
	if err != nil {
		return result, err
	}
	if math.IsNaN(result.Error) || math.IsInf(result.Error, 0) {
		return result, fmt.Errorf("ICP correction rejected: error is not finite")
	}
	if !ValidateICP(result.Transform, MaxICPShift) {
		return result, fmt.Errorf("ICP correction rejected: not rigid or shift above %.0fmm", MaxICPShift)
	}

	if err := s.installICP(reg, result); err != nil {
		return result, err
	}
	log.Printf("[ICP] Refined over %d points: %.3fmm -> %.3fmm in %d iterations (converged=%v)",
		len(points), result.InitialError, result.Error, result.Iterations, result.Converged)
	return result, nil
}

// installICP applies result on top of base, unless base has been replaced
// since the run started.
func (s *Session) installICP(base *Registration, result ICPResult) error {
	s.installMu.Lock()
	defer s.installMu.Unlock()
	if s.coreg.Registration() != base {
		return ErrRegistrationChanged
	}
	s.install(base.WithICP(&result.Transform, result.Error))
	return nil
}

// ResetICP drops the ICP correction and the collected points
func (s *Session) ResetICP() {
	s.installMu.Lock()
	defer s.installMu.Unlock()
	s.mu.Lock()
	s.icpPoints = nil
	s.mu.Unlock()

	if reg := s.coreg.Registration(); reg != nil && reg.ICP != nil {
		s.install(reg.WithICP(nil, 0))
	}
}

// install swaps reg in and notifies listeners. Callers hold installMu.
func (s *Session) install(reg *Registration) {
	s.coreg.SetRegistration(reg)

	s.mu.Lock()
	listeners := append([]RegistrationListener(nil), s.listeners...)
	cachePath := s.cachePath
	points := append([]Vec3(nil), s.icpPoints...)
	s.mu.Unlock()

	if cachePath != "" {
		if err := SaveRegistration(cachePath, &RegistrationCache{Registration: reg, ICPPoints: points}); err != nil {
			log.Printf("[NAV] Warning: failed to save registration cache: %v", err)
		}
	}
	for _, l := range listeners {
		l(reg)
	}
}
