package apiversion

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/routing"
)

// Lifecycle tracks a version from development to removal.
type Lifecycle string

const (
	LifecycleDevelopment Lifecycle = "DEVELOPMENT"
	LifecycleStable      Lifecycle = "STABLE"
	LifecycleDeprecated  Lifecycle = "DEPRECATED"
	LifecycleSunset      Lifecycle = "SUNSET"
	LifecycleArchived    Lifecycle = "ARCHIVED"
)

// Compatibility describes how two versions relate.
type Compatibility string

const (
	CompatFull              Compatibility = "FULL"
	CompatBackward          Compatibility = "BACKWARD"
	CompatBreaking          Compatibility = "BREAKING"
	CompatMigrationRequired Compatibility = "MIGRATION_REQUIRED"
)

// Version is one entry of the API version table.
type Version struct {
	Major          int                    `json:"major"`
	Full           string                 `json:"full"`
	Status         Lifecycle              `json:"status"`
	ReleasedAt     time.Time              `json:"released_at"`
	DeprecatedAt   *time.Time             `json:"deprecated_at,omitempty"`
	SunsetAt       *time.Time             `json:"sunset_at,omitempty"`
	MigrationGuide string                 `json:"migration_guide,omitempty"`
	AllowedRoles   []routing.Role         `json:"allowed_roles,omitempty"`
	RoleRateLimits map[routing.Role]int   `json:"role_rate_limits,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// allowsRole reports whether the role may use this version. An empty
// allow-list admits every role.
func (v *Version) allowsRole(role routing.Role) bool {
	if len(v.AllowedRoles) == 0 {
		return true
	}
	for _, r := range v.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Coordinator maintains the version table and the compatibility matrix.
type Coordinator struct {
	log   *zap.Logger
	brand string

	mu       sync.RWMutex
	versions map[int]*Version
	compat   map[[2]int]Compatibility
}

// NewCoordinator builds a version coordinator. brand names the vendor
// media type used during Accept-header detection.
func NewCoordinator(brand string, log *zap.Logger) *Coordinator {
	return &Coordinator{
		log:      log.With(zap.String("module", "version_coordinator")),
		brand:    brand,
		versions: make(map[int]*Version),
		compat:   make(map[[2]int]Compatibility),
	}
}

// Register adds or replaces a version table entry.
func (c *Coordinator) Register(v Version) error {
	if v.Major <= 0 {
		return fmt.Errorf("version major must be positive")
	}
	if v.Status == "" {
		v.Status = LifecycleDevelopment
	}
	if v.Full == "" {
		v.Full = fmt.Sprintf("%d.0.0", v.Major)
	}
	if v.ReleasedAt.IsZero() {
		v.ReleasedAt = time.Now().UTC()
	}
	c.mu.Lock()
	c.versions[v.Major] = &v
	c.mu.Unlock()
	c.log.Info("API version registered",
		zap.Int("major", v.Major), zap.String("status", string(v.Status)))
	return nil
}

// Deprecate moves a version to DEPRECATED with a sunset date and guide.
func (c *Coordinator) Deprecate(major int, sunsetAt time.Time, migrationGuide string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.versions[major]
	if !ok {
		return fmt.Errorf("version v%d not found", major)
	}
	now := time.Now().UTC()
	v.Status = LifecycleDeprecated
	v.DeprecatedAt = &now
	v.SunsetAt = &sunsetAt
	v.MigrationGuide = migrationGuide
	return nil
}

// Sunset marks a version SUNSET; requests are refused from here on.
func (c *Coordinator) Sunset(major int) error {
	return c.setStatus(major, LifecycleSunset)
}

// Archive removes a version from service entirely.
func (c *Coordinator) Archive(major int) error {
	return c.setStatus(major, LifecycleArchived)
}

func (c *Coordinator) setStatus(major int, status Lifecycle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.versions[major]
	if !ok {
		return fmt.Errorf("version v%d not found", major)
	}
	v.Status = status
	return nil
}

// SetCompatibility records the relation between two majors.
func (c *Coordinator) SetCompatibility(from, to int, compat Compatibility) {
	c.mu.Lock()
	c.compat[[2]int{from, to}] = compat
	c.mu.Unlock()
}

// CompatibilityBetween returns the recorded relation, defaulting to FULL
// for identical majors, BACKWARD for upgrades and BREAKING for
// downgrades.
func (c *Coordinator) CompatibilityBetween(from, to int) Compatibility {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if compat, ok := c.compat[[2]int{from, to}]; ok {
		return compat
	}
	switch {
	case from == to:
		return CompatFull
	case to > from:
		return CompatBackward
	default:
		return CompatBreaking
	}
}

// Version returns one table entry.
func (c *Coordinator) Version(major int) (*Version, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.versions[major]
	return v, ok
}

// Versions returns the table sorted by major ascending.
func (c *Coordinator) Versions() []*Version {
	c.mu.RLock()
	out := make([]*Version, 0, len(c.versions))
	for _, v := range c.versions {
		out = append(out, v)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Major < out[j].Major })
	return out
}

// LatestStable returns the highest STABLE major, or 0 when none exists.
func (c *Coordinator) LatestStable() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	latest := 0
	for major, v := range c.versions {
		if v.Status == LifecycleStable && major > latest {
			latest = major
		}
	}
	return latest
}

// ValidateRoleAccess checks that the role may call the given version.
func (c *Coordinator) ValidateRoleAccess(major int, role routing.Role) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.versions[major]
	if !ok {
		return fmt.Errorf("unknown API version v%d", major)
	}
	switch v.Status {
	case LifecycleSunset, LifecycleArchived:
		return fmt.Errorf("API version v%d is no longer served", major)
	}
	if !v.allowsRole(role) {
		return fmt.Errorf("role %s may not use API version v%d", role, major)
	}
	return nil
}
