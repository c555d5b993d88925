package nav

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Tracker is a source of 6-DOF marker poses
type Tracker interface {
	Connect(ctx context.Context) error
	Sample(ctx context.Context) (TrackerSample, error)
	Close() error
	Name() string
}

// Tracker types accepted in configuration
const (
	TrackerDebug  = "debug"
	TrackerSerial = "serial"
	TrackerMQTT   = "mqtt"
)

// NewTracker builds the tracker selected by cfg.Type. mqttClient is only
// used by the mqtt tracker and may be nil otherwise.
func NewTracker(cfg TrackerConfig, mqttClient mqtt.Client) (Tracker, error) {
	switch cfg.Type {
	case "", TrackerDebug:
		return NewDebugTracker(cfg), nil
	case TrackerSerial:
		return NewSerialTracker(cfg, nil), nil
	case TrackerMQTT:
		if mqttClient == nil {
			return nil, fmt.Errorf("mqtt tracker requires an MQTT client")
		}
		return NewMQTTTracker(cfg, mqttClient), nil
	default:
		return nil, fmt.Errorf("unknown tracker type %q", cfg.Type)
	}
}

// DefaultBasePoses places the markers in a plausible bench layout:
// reference on the head, probe 100mm in front of it, coil above.
func DefaultBasePoses() map[MarkerID]Pose {
	return map[MarkerID]Pose{
		MarkerProbe:     {X: 100, Y: 0, Z: 0, Alpha: 0, Beta: 0, Gamma: 0},
		MarkerReference: {X: 0, Y: 0, Z: 0, Alpha: 0, Beta: 0, Gamma: 0},
		MarkerCoil:      {X: 0, Y: 0, Z: 120, Alpha: 180, Beta: 0, Gamma: 0},
	}
}

// DebugTracker simulates a tracker with seeded jitter around base poses
type DebugTracker struct {
	mu        sync.Mutex
	rng       *rand.Rand
	jitter    float64
	poses     map[MarkerID]Pose
	hidden    map[MarkerID]bool
	connected bool
	now       func() time.Time
}

// NewDebugTracker creates a simulated tracker from config
func NewDebugTracker(cfg TrackerConfig) *DebugTracker {
	poses := DefaultBasePoses()
	for id, p := range cfg.BasePoses {
		poses[id] = p
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	return &DebugTracker{
		rng:    rand.New(rand.NewSource(seed)),
		jitter: cfg.Jitter,
		poses:  poses,
		hidden: make(map[MarkerID]bool),
		now:    time.Now,
	}
}

func (d *DebugTracker) Name() string { return TrackerDebug }

func (d *DebugTracker) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *DebugTracker) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

// SetPose moves a simulated marker
func (d *DebugTracker) SetPose(id MarkerID, p Pose) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.poses[id] = p
}

// SetVisible hides or shows a simulated marker
func (d *DebugTracker) SetVisible(id MarkerID, visible bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hidden[id] = !visible
}

func (d *DebugTracker) Sample(ctx context.Context) (TrackerSample, error) {
	if err := ctx.Err(); err != nil {
		return TrackerSample{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return TrackerSample{}, ErrTrackerNotConnected
	}

	sample := NewTrackerSample(d.now())
	for _, id := range AllMarkers {
		p, ok := d.poses[id]
		if !ok {
			continue
		}
		if d.jitter > 0 {
			p.X += d.rng.NormFloat64() * d.jitter
			p.Y += d.rng.NormFloat64() * d.jitter
			p.Z += d.rng.NormFloat64() * d.jitter
		}
		sample.Markers[id] = MarkerPose{Pose: p, Visible: !d.hidden[id]}
	}
	return sample, nil
}
