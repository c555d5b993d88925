package nav

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Navigation defaults
const (
	DefaultInterval          = 150 * time.Millisecond
	DefaultDistanceThreshold = 3.0 // mm
	DefaultAngleThreshold    = 3.0 // degrees
	DefaultSeedOffset        = 15.0
	maxSampleAge             = time.Second
)

// MarkerError reports which required marker was not visible
type MarkerError struct {
	Marker MarkerID
}

func (e *MarkerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Marker, ErrMarkerNotVisible)
}

func (e *MarkerError) Unwrap() error { return ErrMarkerNotVisible }

// CoregStatus is a snapshot of loop health for status reporting
type CoregStatus struct {
	Running       bool       `json:"running"`
	Tracker       string     `json:"tracker"`
	Ticks         uint64     `json:"ticks"`
	Produced      uint64     `json:"produced"`
	Errors        uint64     `json:"errors"`
	LastError     string     `json:"lastError,omitempty"`
	MissingMarker MarkerID   `json:"missingMarker,omitempty"`
	Registered    bool       `json:"registered"`
	HasTarget     bool       `json:"hasTarget"`
	Coords        QueueStats `json:"coordQueue"`
	Targets       QueueStats `json:"targetQueue"`
	Seeds         QueueStats `json:"seedQueue"`
}

// Coregistrator runs the tracker-to-image loop. The registration and target
// are swapped atomically, so readers never observe a partially updated value.
type Coregistrator struct {
	tracker Tracker
	cfg     NavigationConfig
	debug   bool

	registration atomic.Pointer[Registration]
	target       atomic.Pointer[Matrix4]
	objectOffset atomic.Pointer[Matrix4]
	latestSample atomic.Pointer[TrackerSample]

	// Coords feeds the slice viewer and robot consumers, Targets the
	// coil guidance consumer, Seeds the tractography consumer.
	Coords  *LatestQueue[NavCoordinate]
	Targets *LatestQueue[TargetStatus]
	Seeds   *LatestQueue[TractSeed]

	running  atomic.Bool
	seq      atomic.Uint64
	ticks    atomic.Uint64
	produced atomic.Uint64
	errCount atomic.Uint64

	mu            sync.RWMutex
	lastError     string
	missingMarker MarkerID

	now func() time.Time
}

// NewCoregistrator creates a loop around tracker. Zero config values take defaults.
func NewCoregistrator(tracker Tracker, cfg NavigationConfig, debug bool) *Coregistrator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RefMode == "" {
		cfg.RefMode = RefModeStatic
	}
	if cfg.DistanceThresh <= 0 {
		cfg.DistanceThresh = DefaultDistanceThreshold
	}
	if cfg.AngleThresh <= 0 {
		cfg.AngleThresh = DefaultAngleThreshold
	}
	if cfg.SeedOffset == 0 {
		cfg.SeedOffset = DefaultSeedOffset
	}
	c := &Coregistrator{
		tracker: tracker,
		cfg:     cfg,
		debug:   debug,
		Coords:  NewLatestQueue[NavCoordinate](),
		Targets: NewLatestQueue[TargetStatus](),
		Seeds:   NewLatestQueue[TractSeed](),
		now:     time.Now,
	}
	if cfg.ObjectOffset != nil {
		m := PoseToMatrix(*cfg.ObjectOffset)
		c.objectOffset.Store(&m)
	}
	return c
}

// Config returns the effective navigation config
func (c *Coregistrator) Config() NavigationConfig { return c.cfg }

// RefMode returns the reference mode used for new registrations
func (c *Coregistrator) RefMode() RefMode { return c.cfg.RefMode }

// SetRegistration swaps in a new registration; nil clears it
func (c *Coregistrator) SetRegistration(r *Registration) {
	c.registration.Store(r)
	if r != nil {
		log.Printf("[NAV] Registration updated: method=%s fre=%.3fmm (%s) icp=%v", r.Method, r.FRE, r.Quality(), r.ICP != nil)
	}
}

// Registration returns the active registration or nil
func (c *Coregistrator) Registration() *Registration { return c.registration.Load() }

// SetTarget sets the image-space target pose; nil clears it
func (c *Coregistrator) SetTarget(p *Pose) {
	if p == nil {
		c.target.Store(nil)
		return
	}
	m := PoseToMatrix(*p)
	c.target.Store(&m)
}

// Target returns the current target pose, if any
func (c *Coregistrator) Target() (Pose, bool) {
	m := c.target.Load()
	if m == nil {
		return Pose{}, false
	}
	return MatrixToPose(*m), true
}

// SetObjectOffset sets the transform from the coil marker to the coil center
func (c *Coregistrator) SetObjectOffset(p *Pose) {
	if p == nil {
		c.objectOffset.Store(nil)
		return
	}
	m := PoseToMatrix(*p)
	c.objectOffset.Store(&m)
}

// LatestSample returns the most recent raw tracker sample
func (c *Coregistrator) LatestSample() (TrackerSample, bool) {
	s := c.latestSample.Load()
	if s == nil {
		return TrackerSample{}, false
	}
	return *s, true
}

// objectMarker is the marker being navigated
func (c *Coregistrator) objectMarker() MarkerID {
	if c.cfg.TrackObject {
		return MarkerCoil
	}
	return MarkerProbe
}

// TrackerSpaceMatrix returns the object matrix in the space the registration
// operates on: raw tracker space, or the head reference frame in dynamic mode.
func TrackerSpaceMatrix(sample TrackerSample, object MarkerID, mode RefMode) (Matrix4, error) {
	pose, ok := sample.Marker(object)
	if !ok {
		return Matrix4{}, &MarkerError{Marker: object}
	}
	m := PoseToMatrix(pose)
	if mode != RefModeDynamic {
		return m, nil
	}
	refPose, ok := sample.Marker(MarkerReference)
	if !ok {
		return Matrix4{}, &MarkerError{Marker: MarkerReference}
	}
	refInv, err := Inverse(PoseToMatrix(refPose))
	if err != nil {
		return Matrix4{}, fmt.Errorf("inverting reference: %w", err)
	}
	return Multiply(refInv, m), nil
}

// RecentProbePoint returns the probe tip in the tracker space new
// registrations are fitted in. Used when collecting tracker fiducials.
func (c *Coregistrator) RecentProbePoint() (Vec3, error) {
	return c.recentProbePoint(c.cfg.RefMode)
}

// RecentImagePoint returns the probe tip in image space from the latest sample,
// mapped through the active registration in the mode it was fitted in.
// Used when collecting ICP points.
func (c *Coregistrator) RecentImagePoint() (Vec3, error) {
	reg := c.Registration()
	if reg == nil {
		return Vec3{}, ErrNoRegistration
	}
	p, err := c.recentProbePoint(c.registrationMode(reg))
	if err != nil {
		return Vec3{}, err
	}
	return TransformPoint(reg.ChangeOfBasis, p), nil
}

func (c *Coregistrator) recentProbePoint(mode RefMode) (Vec3, error) {
	sample, ok := c.LatestSample()
	if !ok || c.now().Sub(sample.Timestamp) > maxSampleAge {
		return Vec3{}, fmt.Errorf("no recent tracker sample")
	}
	m, err := TrackerSpaceMatrix(sample, MarkerProbe, mode)
	if err != nil {
		return Vec3{}, err
	}
	return m.TranslationPart(), nil
}

// registrationMode is the mode reg was fitted in; older caches may not record it
func (c *Coregistrator) registrationMode(reg *Registration) RefMode {
	if reg.RefMode == "" {
		return c.cfg.RefMode
	}
	return reg.RefMode
}

// Compute maps one tracker sample to an image-space coordinate:
// m_img = m_icp * m_change * m_object (* m_offset for the coil)
func (c *Coregistrator) Compute(sample TrackerSample) (NavCoordinate, error) {
	reg := c.Registration()
	if reg == nil {
		return NavCoordinate{}, ErrNoRegistration
	}
	object := c.objectMarker()
	mObj, err := TrackerSpaceMatrix(sample, object, c.registrationMode(reg))
	if err != nil {
		return NavCoordinate{}, err
	}

	offset := Identity4()
	if object == MarkerCoil {
		if off := c.objectOffset.Load(); off != nil {
			offset = *off
		}
	}
	mImg := MultiplyAll(reg.ImageMatrix(), mObj, offset)
	if !IsValidTransform(mImg) {
		return NavCoordinate{}, fmt.Errorf("image matrix contains invalid values")
	}

	return NavCoordinate{
		Timestamp:  sample.Timestamp,
		Pose:       MatrixToPose(mImg),
		Matrix:     mImg,
		Object:     object,
		Visibility: sample.Visibility(),
	}, nil
}

// TargetGuidance compares the navigated object with the target
func TargetGuidance(coord NavCoordinate, target Matrix4, distThresh, angleThresh float64) TargetStatus {
	objPos := coord.Matrix.TranslationPart()
	tgtPos := target.TranslationPart()
	dist := Distance3(objPos, tgtPos)
	angle := RotationAngle(coord.Matrix, target)
	return TargetStatus{
		Sequence:     coord.Sequence,
		Timestamp:    coord.Timestamp,
		Distance:     dist,
		AngleError:   angle,
		Displacement: tgtPos.Sub(objPos),
		OnTarget:     dist <= distThresh && angle <= angleThresh,
	}
}

// TractSeedFor places the tractography seed offset mm behind the object
// along its z axis.
func TractSeedFor(coord NavCoordinate, offset float64) TractSeed {
	z := coord.Matrix.Axis(2).Normalize()
	pos := coord.Matrix.TranslationPart()
	return TractSeed{
		Sequence:  coord.Sequence,
		Timestamp: coord.Timestamp,
		Seed:      pos.Sub(z.Scale(offset)),
		Direction: z.Scale(-1),
	}
}

// Tick performs one loop iteration: sample, compute, publish
func (c *Coregistrator) Tick(ctx context.Context) error {
	c.ticks.Add(1)

	sample, err := c.tracker.Sample(ctx)
	if err != nil {
		c.recordError(fmt.Errorf("sampling tracker: %w", err))
		return err
	}
	c.latestSample.Store(&sample)

	coord, err := c.Compute(sample)
	if err != nil {
		c.recordError(err)
		return err
	}
	coord.Sequence = c.seq.Add(1)
	coord.Latency = c.now().Sub(sample.Timestamp)

	c.Coords.Put(coord)
	if target := c.target.Load(); target != nil {
		c.Targets.Put(TargetGuidance(coord, *target, c.cfg.DistanceThresh, c.cfg.AngleThresh))
	}
	c.Seeds.Put(TractSeedFor(coord, c.cfg.SeedOffset))

	c.produced.Add(1)
	c.clearError()
	if c.debug {
		log.Printf("[DEBUG] [NAV] seq=%d %s at (%.2f, %.2f, %.2f) latency=%v",
			coord.Sequence, coord.Object, coord.Pose.X, coord.Pose.Y, coord.Pose.Z, coord.Latency)
	}
	return nil
}

// Run ticks at the configured interval until ctx is cancelled. Tick errors
// are counted and logged; they never stop the loop.
func (c *Coregistrator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("coregistration already running")
	}
	defer c.running.Store(false)

	log.Printf("[NAV] Coregistration loop started (tracker=%s, interval=%v, ref=%s, object=%s)",
		c.tracker.Name(), c.cfg.Interval, c.cfg.RefMode, c.objectMarker())

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[NAV] Coregistration loop stopped after %d ticks (%d coordinates, %d errors)",
				c.ticks.Load(), c.produced.Load(), c.errCount.Load())
			return nil
		case <-ticker.C:
			_ = c.Tick(ctx)
		}
	}
}

// Close wakes any consumer blocked on the queues
func (c *Coregistrator) Close() {
	c.Coords.Close()
	c.Targets.Close()
	c.Seeds.Close()
}

func (c *Coregistrator) recordError(err error) {
	c.errCount.Add(1)

	var missing MarkerID
	var me *MarkerError
	if errors.As(err, &me) {
		missing = me.Marker
	}

	c.mu.Lock()
	changed := c.lastError != err.Error()
	c.lastError = err.Error()
	c.missingMarker = missing
	c.mu.Unlock()

	// Only log transitions so a hidden marker does not flood the log
	if changed {
		log.Printf("[NAV] Tick failed: %v", err)
	}
}

func (c *Coregistrator) clearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastError != "" {
		log.Printf("[NAV] Recovered after: %s", c.lastError)
	}
	c.lastError = ""
	c.missingMarker = ""
}

// Status returns a snapshot of loop counters
func (c *Coregistrator) Status() CoregStatus {
	c.mu.RLock()
	lastErr, missing := c.lastError, c.missingMarker
	c.mu.RUnlock()

	return CoregStatus{
		Running:       c.running.Load(),
		Tracker:       c.tracker.Name(),
		Ticks:         c.ticks.Load(),
		Produced:      c.produced.Load(),
		Errors:        c.errCount.Load(),
		LastError:     lastErr,
		MissingMarker: missing,
		Registered:    c.registration.Load() != nil,
		HasTarget:     c.target.Load() != nil,
		Coords:        c.Coords.Stats(),
		Targets:       c.Targets.Stats(),
		Seeds:         c.Seeds.Stats(),
	}
}
