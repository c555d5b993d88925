package nav

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file and validates it
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	ApplyDefaults(&config)
	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfig returns a config for a debug tracker with no MQTT
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values
func ApplyDefaults(config *Config) {
	if config.Tracker.Type == "" {
		config.Tracker.Type = TrackerDebug
	}
	if config.Navigation.Interval <= 0 {
		config.Navigation.Interval = DefaultInterval
	}
	if config.Navigation.RefMode == "" {
		config.Navigation.RefMode = RefModeStatic
	}
	if config.Navigation.Method == "" {
		config.Navigation.Method = MethodLeastSquares
	}
	if config.Navigation.DistanceThresh <= 0 {
		config.Navigation.DistanceThresh = DefaultDistanceThreshold
	}
	if config.Navigation.AngleThresh <= 0 {
		config.Navigation.AngleThresh = DefaultAngleThreshold
	}
	if config.Navigation.RegistrationPath == "" {
		config.Navigation.RegistrationPath = DefaultRegistrationCachePath
	}
	if config.Image.Extent == (Vec3{}) {
		config.Image.Extent = Vec3{X: 256, Y: 256, Z: 256}
	}
}

// ValidateConfig checks enumerations and cross-field requirements
func ValidateConfig(config *Config) error {
	switch config.Tracker.Type {
	case TrackerDebug:
	case TrackerSerial:
		if config.Tracker.Port == "" {
			return fmt.Errorf("tracker.port is required for serial trackers")
		}
	case TrackerMQTT:
		if config.MQTT.Broker == "" && os.Getenv("MQTT_BROKER") == "" {
			return fmt.Errorf("mqtt.broker is required for mqtt trackers")
		}
	default:
		return fmt.Errorf("tracker.type must be one of debug, serial, mqtt (got %q)", config.Tracker.Type)
	}

	if config.MQTT.QoS < 0 || config.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", config.MQTT.QoS)
	}

	switch config.Navigation.RefMode {
	case RefModeStatic, RefModeDynamic:
	default:
		return fmt.Errorf("navigation.refMode must be static or dynamic (got %q)", config.Navigation.RefMode)
	}

	switch config.Navigation.Method {
	case MethodLeastSquares, MethodBasis:
	default:
		return fmt.Errorf("navigation.method must be leastsquares or basis (got %q)", config.Navigation.Method)
	}

	if config.Navigation.Interval < MinInterval || config.Navigation.Interval > MaxInterval {
		return fmt.Errorf("navigation.interval must be between %v and %v", MinInterval, MaxInterval)
	}

	if n := len(config.Fiducials.Image); n > FiducialCount {
		return fmt.Errorf("fiducials.image has %d entries, at most %d allowed", n, FiducialCount)
	}
	if n := len(config.Fiducials.Tracker); n > FiducialCount {
		return fmt.Errorf("fiducials.tracker has %d entries, at most %d allowed", n, FiducialCount)
	}

	for station, id := range config.Tracker.Stations {
		if !knownMarker(id) {
			return fmt.Errorf("tracker.stations[%d]: unknown marker %q", station, id)
		}
	}

	if config.ICP.Enabled && config.ICP.SurfacePath == "" {
		return fmt.Errorf("icp.surface is required when icp is enabled")
	}
	return nil
}

// Loop interval bounds
const (
	MinInterval = 10 * time.Millisecond
	MaxInterval = 2 * time.Second
)

func knownMarker(id MarkerID) bool {
	for _, m := range AllMarkers {
		if m == id {
			return true
		}
	}
	return false
}
