package nav

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultRegistrationCachePath is where the last registration is persisted
const DefaultRegistrationCachePath = ".registration-cache.json"

// RegistrationCache is the on-disk form of the last registration plus the
// session's collected ICP points, so a restart can resume navigation.
type RegistrationCache struct {
	Registration *Registration `json:"registration"`
	ICPPoints    []Vec3        `json:"icpPoints,omitempty"`
	LastUpdated  int64         `json:"lastUpdated"`
}

// LoadRegistration loads a registration cache. Returns nil, nil if the file does not exist.
func LoadRegistration(path string) (*RegistrationCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading registration file: %w", err)
	}

	var cache RegistrationCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing registration file: %w", err)
	}
	if cache.Registration != nil && !IsValidTransform(cache.Registration.ChangeOfBasis) {
		return nil, fmt.Errorf("registration file contains an invalid matrix")
	}
	return &cache, nil
}

// SaveRegistration writes the cache as indented JSON, creating parent directories
func SaveRegistration(path string, cache *RegistrationCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating registration directory: %w", err)
	}

	cache.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registration data: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing registration file: %w", err)
	}
	return nil
}

// RegistrationSummary is the compact view of a registration served over HTTP and MQTT
type RegistrationSummary struct {
	Method    string    `json:"method"`
	RefMode   RefMode   `json:"refMode"`
	FRE       float64   `json:"fre"`
	Quality   string    `json:"quality"`
	Residuals []float64 `json:"residuals"`
	HasICP    bool      `json:"hasIcp"`
	ICPError  float64   `json:"icpError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewRegistrationSummary summarizes r
func NewRegistrationSummary(r *Registration) RegistrationSummary {
	return RegistrationSummary{
		Method:    r.Method,
		RefMode:   r.RefMode,
		FRE:       r.FRE,
		Quality:   r.Quality(),
		Residuals: append([]float64(nil), r.Residuals...),
		HasICP:    r.ICP != nil,
		ICPError:  r.ICPError,
		CreatedAt: r.CreatedAt,
	}
}
