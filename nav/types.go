package nav

import (
	"math"
	"time"
)

// MarkerID names a tracked rigid body
type MarkerID string

const (
	MarkerProbe     MarkerID = "probe"
	MarkerReference MarkerID = "reference"
	MarkerCoil      MarkerID = "coil"
)

// AllMarkers lists markers in the order trackers report them
var AllMarkers = []MarkerID{MarkerProbe, MarkerReference, MarkerCoil}

// Vec3 is a 3D point or direction in millimeters
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Add returns v + o
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v - o
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Scale returns v * s
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Dot returns the dot product
func (v Vec3) Dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

// Cross returns the cross product v x o
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Norm returns the Euclidean length
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Normalize returns the unit vector, or the zero vector if v has no length
func (v Vec3) Normalize() Vec3 {
	n := v.Norm()
	if n < 1e-12 {
		return Vec3{}
	}
	return v.Scale(1 / n)
}

// Distance3 returns the Euclidean distance between two points
func Distance3(a, b Vec3) float64 {
	return a.Sub(b).Norm()
}

// Pose is a 6-DOF pose: position in mm and sxyz Euler angles in degrees
type Pose struct {
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Z     float64 `json:"z" yaml:"z"`
	Alpha float64 `json:"alpha" yaml:"alpha"`
	Beta  float64 `json:"beta" yaml:"beta"`
	Gamma float64 `json:"gamma" yaml:"gamma"`
}

// Position returns the translational part of the pose
func (p Pose) Position() Vec3 { return Vec3{p.X, p.Y, p.Z} }

// MarkerPose is one marker reading inside a tracker sample
type MarkerPose struct {
	Pose    Pose `json:"pose"`
	Visible bool `json:"visible"`
}

// TrackerSample is a single poll of the tracker device
type TrackerSample struct {
	Timestamp time.Time               `json:"timestamp"`
	Markers   map[MarkerID]MarkerPose `json:"markers"`
}

// NewTrackerSample returns an empty sample stamped at t
func NewTrackerSample(t time.Time) TrackerSample {
	return TrackerSample{Timestamp: t, Markers: make(map[MarkerID]MarkerPose, len(AllMarkers))}
}

// Marker returns the pose of id and whether it is present and visible
func (s TrackerSample) Marker(id MarkerID) (Pose, bool) {
	mp, ok := s.Markers[id]
	if !ok || !mp.Visible {
		return Pose{}, false
	}
	return mp.Pose, true
}

// Visibility reports visibility for every known marker
func (s TrackerSample) Visibility() map[MarkerID]bool {
	out := make(map[MarkerID]bool, len(AllMarkers))
	for _, id := range AllMarkers {
		_, out[id] = s.Marker(id)
	}
	return out
}

// NavCoordinate is the image-space result of one coregistration tick
type NavCoordinate struct {
	Sequence   uint64            `json:"sequence"`
	Timestamp  time.Time         `json:"timestamp"`
	Pose       Pose              `json:"pose"`
	Matrix     Matrix4           `json:"matrix"`
	Object     MarkerID          `json:"object"`
	Visibility map[MarkerID]bool `json:"visibility"`
	Latency    time.Duration     `json:"latencyNs"`
}

// TargetStatus describes how far the navigated object is from the target
type TargetStatus struct {
	Sequence     uint64    `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	Distance     float64   `json:"distance"`     // mm
	AngleError   float64   `json:"angleError"`   // degrees
	Displacement Vec3      `json:"displacement"` // target minus object, image space
	OnTarget     bool      `json:"onTarget"`
}

// TractSeed is the point handed to the tractography consumer
type TractSeed struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Seed      Vec3      `json:"seed"`
	Direction Vec3      `json:"direction"`
}

// RefMode selects how the probe is expressed before the change of basis
type RefMode string

const (
	// RefModeStatic uses raw tracker coordinates
	RefModeStatic RefMode = "static"
	// RefModeDynamic expresses the probe in the head reference frame
	RefModeDynamic RefMode = "dynamic"
)

// Config represents the full configuration file
type Config struct {
	MQTT       MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	Tracker    TrackerConfig    `yaml:"tracker" json:"tracker"`
	Navigation NavigationConfig `yaml:"navigation" json:"navigation"`
	Fiducials  FiducialConfig   `yaml:"fiducials,omitempty" json:"fiducials,omitempty"`
	ICP        ICPSettings      `yaml:"icp,omitempty" json:"icp,omitempty"`
	Image      ImageConfig      `yaml:"image,omitempty" json:"image,omitempty"`
	Storage    StorageConfig    `yaml:"storage,omitempty" json:"storage,omitempty"`
	Debug      bool             `yaml:"debug,omitempty" json:"debug,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	QoS           int    `yaml:"qos,omitempty" json:"qos,omitempty"`
	Retain        *bool  `yaml:"retain,omitempty" json:"retain,omitempty"`
}

// TrackerConfig selects and configures the pose source
type TrackerConfig struct {
	Type       string            `yaml:"type" json:"type"` // "debug", "serial", "mqtt"
	Port       string            `yaml:"port,omitempty" json:"port,omitempty"`
	BaudRate   int               `yaml:"baudRate,omitempty" json:"baudRate,omitempty"`
	Stations   map[int]MarkerID  `yaml:"stations,omitempty" json:"stations,omitempty"`
	Topic      string            `yaml:"topic,omitempty" json:"topic,omitempty"`
	StaleAfter time.Duration     `yaml:"staleAfter,omitempty" json:"staleAfter,omitempty"`
	Seed       int64             `yaml:"seed,omitempty" json:"seed,omitempty"`
	Jitter     float64           `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	BasePoses  map[MarkerID]Pose `yaml:"basePoses,omitempty" json:"basePoses,omitempty"`
}

// NavigationConfig controls the coregistration loop
type NavigationConfig struct {
	Interval         time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	RefMode          RefMode       `yaml:"refMode,omitempty" json:"refMode,omitempty"`
	TrackObject      bool          `yaml:"trackObject,omitempty" json:"trackObject,omitempty"`
	ObjectOffset     *Pose         `yaml:"objectOffset,omitempty" json:"objectOffset,omitempty"`
	SeedOffset       float64       `yaml:"seedOffset,omitempty" json:"seedOffset,omitempty"`
	DistanceThresh   float64       `yaml:"distanceThreshold,omitempty" json:"distanceThreshold,omitempty"`
	AngleThresh      float64       `yaml:"angleThreshold,omitempty" json:"angleThreshold,omitempty"`
	Method           string        `yaml:"method,omitempty" json:"method,omitempty"` // "leastsquares" or "basis"
	MaxFRE           float64       `yaml:"maxFre,omitempty" json:"maxFre,omitempty"`
	RegistrationPath string        `yaml:"registrationPath,omitempty" json:"registrationPath,omitempty"`
}

// FiducialConfig holds fiducials entered ahead of time (e.g. from a planning session)
type FiducialConfig struct {
	Image   []Vec3 `yaml:"image,omitempty" json:"image,omitempty"`
	Tracker []Vec3 `yaml:"tracker,omitempty" json:"tracker,omitempty"`
}

// ICPSettings configures the optional surface refinement
type ICPSettings struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	SurfacePath       string  `yaml:"surface,omitempty" json:"surface,omitempty"`
	MaxIterations     int     `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	MaxCorrespondDist float64 `yaml:"maxCorrespondDist,omitempty" json:"maxCorrespondDist,omitempty"`
}

// ImageConfig describes the image volume extent in image-space millimeters
type ImageConfig struct {
	Origin Vec3 `yaml:"origin" json:"origin"`
	Extent Vec3 `yaml:"extent" json:"extent"`
}

// StorageConfig configures the session recorder database
type StorageConfig struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}
