package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags manages feature toggles with per-academy rollout.
// Academies are bucketed by a hash of their ID, so an academy stays in
// or out of a partial rollout across restarts.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// Override rules (for support/debugging)
	academyOverrides map[string]map[string]bool // academyID -> feature -> enabled
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// Rollout percentage (0-100)
	RolloutPercent int
}

// Predefined feature flag names.
const (
	// Section mode attempts (pay per completed section)
	FeatureExamSectionMode = "exam.section_mode"

	// Academy supplied section order for full mocks
	FeatureExamCustomOrder = "exam.custom_section_order"

	// Abandoning an untouched full mock returns its credit
	FeatureExamAbandonRefund = "exam.abandon_refund"

	// Serve dashboards from the Redis snapshot
	FeatureDashboardCache = "dashboard.cache"
)

// LoadFeatureFlags loads feature flags from environment variables.
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:         make(map[string]*Feature),
		academyOverrides: make(map[string]map[string]bool),
	}

	ff.initializeDefaults()
	ff.loadFromEnvironment()

	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	ff.features[FeatureExamSectionMode] = &Feature{
		Name:           FeatureExamSectionMode,
		Description:    "Allow section mode attempts",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureExamCustomOrder] = &Feature{
		Name:           FeatureExamCustomOrder,
		Description:    "Allow academies to reorder full mock sections",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureExamAbandonRefund] = &Feature{
		Name:           FeatureExamAbandonRefund,
		Description:    "Refund untouched full mocks on abandon",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureDashboardCache] = &Feature{
		Name:           FeatureDashboardCache,
		Description:    "Cache dashboards in Redis",
		Enabled:        true,
		RolloutPercent: 100,
	}
}

// loadFromEnvironment loads feature flag overrides from env vars.
// Format: FEATURE_<NAME>=true|false|<percent>
// Example: FEATURE_EXAM_SECTION_MODE=false
// Example: FEATURE_DASHBOARD_CACHE=50 (50% of academies)
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		val := os.Getenv(featureNameToEnvKey(name))
		if val == "" {
			continue
		}

		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			if b {
				feature.RolloutPercent = 100
			} else {
				feature.RolloutPercent = 0
			}
			continue
		}

		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// featureNameToEnvKey converts feature name to environment variable key.
// "exam.section_mode" -> "FEATURE_EXAM_SECTION_MODE"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks if a feature is enabled for an academy.
// An empty academyID evaluates the global switch only.
func (ff *FeatureFlags) IsEnabled(featureName, academyID string) bool {
	if ff == nil {
		return true
	}

	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if academyID != "" {
		if overrides, ok := ff.academyOverrides[academyID]; ok {
			if enabled, ok := overrides[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok || !feature.Enabled {
		return false
	}

	if feature.RolloutPercent < 100 && academyID != "" {
		return isInRollout(academyID, featureName, feature.RolloutPercent)
	}

	return feature.RolloutPercent > 0
}

// isInRollout uses consistent hashing so academies stay in their bucket.
func isInRollout(academyID, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(academyID))

	return int(h.Sum32()%100) < percent
}

// SetAcademyOverride forces a feature on or off for one academy.
func (ff *FeatureFlags) SetAcademyOverride(academyID, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if _, ok := ff.academyOverrides[academyID]; !ok {
		ff.academyOverrides[academyID] = make(map[string]bool)
	}
	ff.academyOverrides[academyID][featureName] = enabled
}

// SetRolloutPercent updates the rollout percentage for a feature.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}

	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}

	feature.RolloutPercent = percent
	feature.Enabled = percent > 0

	return nil
}

// EnableFeature enables a feature at 100% rollout.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature completely.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 0)
}

// --- Errors ---

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
