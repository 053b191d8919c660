// BiometricFlow-ZK
// Copyright (C) 2025 BiometricFlow-ZK contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config loads and validates service configuration: JSON
// registries (devices for the location service, locations for the
// gateway), the attendance policy document, and environment variables.
// A loaded snapshot is immutable; reload builds a new snapshot and swaps
// it atomically.
package config

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	biometricflow "github.com/OsamaM0/BiometricFlow-ZK-sub000"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/attendance"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/device"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/utils"
)

// Role selects which service a process runs.
type Role string

const (
	// RoleGateway runs the unified gateway.
	RoleGateway Role = "gateway"
	// RoleLocation runs a location service.
	RoleLocation Role = "location"
)

// Environment variable names. The operator points the process at its
// registries and secrets through these; flags override listen addresses.
const (
	EnvPort            = "BIOFLOW_PORT"
	EnvServiceID       = "BIOFLOW_SERVICE_ID"
	EnvJWTSecret       = "BIOFLOW_JWT_SECRET"
	EnvAPIKey          = "BIOFLOW_API_KEY"
	EnvFrontendAPIKey  = "BIOFLOW_FRONTEND_API_KEY"
	EnvPlaceAPIKey     = "BIOFLOW_PLACE_API_KEY"
	EnvAllowedCIDRs    = "BIOFLOW_ALLOWED_CIDRS"
	EnvTrustProxy      = "BIOFLOW_TRUST_PROXY"
	EnvRateLimitCount  = "BIOFLOW_RATE_LIMIT_COUNT"
	EnvRateLimitWindow = "BIOFLOW_RATE_LIMIT_WINDOW_S"
	EnvRateLimitBlock  = "BIOFLOW_RATE_LIMIT_BLOCK_S"
	EnvBlockedPatterns = "BIOFLOW_BLOCKED_PATTERNS"
)

// CommandLineFlags carries what the CLI parsed before handing over to the
// loader.
type CommandLineFlags struct {
	// Role is implied by the subcommand.
	Role Role
	// ListenAddr overrides the default service address.
	ListenAddr string
	// DiagAddr enables the diagnostics listener when set.
	DiagAddr string
	// DevicesPath is the device registry (location role).
	DevicesPath string
	// LocationsPath is the location registry (gateway role).
	LocationsPath string
	// PolicyPath is the attendance policy document, optional.
	PolicyPath string
	// Debug raises log verbosity.
	Debug bool
}

// Location is one registered downstream of the gateway.
type Location struct {
	ID          string        `json:"-"`
	DisplayName string        `json:"display_name"`
	Address     string        `json:"address,omitempty"`
	URL         string        `json:"url"`
	APIKey      string        `json:"api_key"`
	TimeoutMS   int           `json:"timeout_ms"`
	Enabled     bool          `json:"enabled"`
	Priority    int           `json:"priority"`
	Devices     []string      `json:"devices"`
	Timeout     time.Duration `json:"-"`
}

// Snapshot is one immutable configuration state. Handlers read whichever
// snapshot was current when they started; reload swaps the pointer.
type Snapshot struct {
	Role      Role
	ServiceID string

	ListenAddr string
	DiagAddr   string

	JWTSecret string
	// APIKey authenticates callers of a location service.
	APIKey string
	// FrontendAPIKey and PlaceAPIKey authenticate gateway token mints.
	FrontendAPIKey string
	PlaceAPIKey    string

	AllowedCIDRs      []*net.IPNet
	TrustProxyHeaders bool
	RateLimitCount    int
	RateLimitWindow   time.Duration
	RateLimitBlock    time.Duration
	BlockedPatterns   []string

	Devices   []device.Config
	Locations []Location

	Policy attendance.Policy
}

type deviceEntry struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Password int    `json:"password"`
}

type policyFile struct {
	WeekendDays  []string          `json:"weekend_days"`
	Holidays     map[string]string `json:"holidays"`
	WorkDayStart string            `json:"work_day_start"`
	WorkDayEnd   string            `json:"work_day_end"`
	GraceMinutes *int              `json:"grace_minutes"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Load builds a validated Snapshot from flags, environment and the
// registry files. It is called at start and again on reload.
func Load(clf CommandLineFlags) (*Snapshot, error) {
	log := slog.Default().With(biometricflow.ComponentKey, biometricflow.ComponentConfig)

	snap := &Snapshot{
		Role:            clf.Role,
		ListenAddr:      clf.ListenAddr,
		DiagAddr:        clf.DiagAddr,
		RateLimitCount:  defaults.RateLimitCount,
		RateLimitWindow: defaults.RateLimitWindow,
		RateLimitBlock:  defaults.RateLimitBlock,
		Policy:          attendance.DefaultPolicy(),
	}
	switch clf.Role {
	case RoleGateway, RoleLocation:
	default:
		return nil, trace.BadParameter("unknown role %q", clf.Role)
	}

	if err := snap.applyEnvironment(); err != nil {
		return nil, trace.Wrap(err)
	}

	switch clf.Role {
	case RoleLocation:
		if clf.DevicesPath == "" {
			return nil, trace.BadParameter("location role requires a device registry path")
		}
		devices, err := loadDevices(clf.DevicesPath)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		snap.Devices = devices
		if snap.APIKey == "" {
			return nil, trace.BadParameter("%v must be set for the location role", EnvAPIKey)
		}
	case RoleGateway:
		if clf.LocationsPath == "" {
			return nil, trace.BadParameter("gateway role requires a location registry path")
		}
		locations, err := loadLocations(clf.LocationsPath, log)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		snap.Locations = locations
		if snap.FrontendAPIKey == "" || snap.PlaceAPIKey == "" {
			return nil, trace.BadParameter("%v and %v must be set for the gateway role", EnvFrontendAPIKey, EnvPlaceAPIKey)
		}
	}

	if clf.PolicyPath != "" {
		policy, err := loadPolicy(clf.PolicyPath)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		snap.Policy = *policy
	}

	if err := snap.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return snap, nil
}

func (s *Snapshot) applyEnvironment() error {
	s.ServiceID = os.Getenv(EnvServiceID)
	s.JWTSecret = os.Getenv(EnvJWTSecret)
	s.APIKey = os.Getenv(EnvAPIKey)
	s.FrontendAPIKey = os.Getenv(EnvFrontendAPIKey)
	s.PlaceAPIKey = os.Getenv(EnvPlaceAPIKey)

	if port := os.Getenv(EnvPort); port != "" && s.ListenAddr == "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return trace.BadParameter("%v: invalid port %q", EnvPort, port)
		}
		s.ListenAddr = net.JoinHostPort("", port)
	}

	if cidrs := os.Getenv(EnvAllowedCIDRs); cidrs != "" {
		for _, cidr := range strings.Split(cidrs, ",") {
			cidr = strings.TrimSpace(cidr)
			if cidr == "" {
				continue
			}
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				return trace.BadParameter("%v: invalid CIDR %q", EnvAllowedCIDRs, cidr)
			}
			s.AllowedCIDRs = append(s.AllowedCIDRs, ipnet)
		}
	}
	if trust := os.Getenv(EnvTrustProxy); trust != "" {
		v, err := strconv.ParseBool(trust)
		if err != nil {
			return trace.BadParameter("%v: invalid boolean %q", EnvTrustProxy, trust)
		}
		s.TrustProxyHeaders = v
	}

	for _, env := range []struct {
		name string
		set  func(int)
	}{
		{EnvRateLimitCount, func(v int) { s.RateLimitCount = v }},
		{EnvRateLimitWindow, func(v int) { s.RateLimitWindow = time.Duration(v) * time.Second }},
		{EnvRateLimitBlock, func(v int) { s.RateLimitBlock = time.Duration(v) * time.Second }},
	} {
		raw := os.Getenv(env.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return trace.BadParameter("%v: expected a positive integer, got %q", env.name, raw)
		}
		env.set(v)
	}

	if patterns := os.Getenv(EnvBlockedPatterns); patterns != "" {
		for _, p := range strings.Split(patterns, ",") {
			if p = strings.TrimSpace(p); p != "" {
				s.BlockedPatterns = append(s.BlockedPatterns, p)
			}
		}
	}
	return nil
}

// CheckAndSetDefaults validates the snapshot and fills in defaults.
func (s *Snapshot) CheckAndSetDefaults() error {
	if s.ServiceID == "" {
		s.ServiceID = "biometricflow-" + string(s.Role)
	}
	if s.ListenAddr == "" {
		switch s.Role {
		case RoleGateway:
			s.ListenAddr = ":" + strconv.Itoa(defaults.GatewayListenPort)
		case RoleLocation:
			s.ListenAddr = ":" + strconv.Itoa(defaults.LocationListenPort)
		}
	}
	if len(s.JWTSecret) < defaults.MinSecretLen {
		return trace.BadParameter("%v must be at least %v bytes", EnvJWTSecret, defaults.MinSecretLen)
	}
	for _, key := range []struct{ name, value string }{
		{EnvAPIKey, s.APIKey},
		{EnvFrontendAPIKey, s.FrontendAPIKey},
		{EnvPlaceAPIKey, s.PlaceAPIKey},
	} {
		if key.value != "" && len(key.value) < defaults.MinSecretLen {
			return trace.BadParameter("%v must be at least %v characters", key.name, defaults.MinSecretLen)
		}
	}
	if err := s.Policy.Check(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func loadDevices(path string) ([]device.Config, error) {
	raw := map[string]deviceEntry{}
	if err := readJSONFile(path, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(raw) == 0 {
		return nil, trace.BadParameter("device registry %v is empty", path)
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	devices := make([]device.Config, 0, len(raw))
	for _, name := range names {
		entry := raw[name]
		if entry.IP == "" || net.ParseIP(entry.IP) == nil {
			return nil, trace.BadParameter("device %q: invalid ip %q", name, entry.IP)
		}
		if entry.Port < 1 || entry.Port > 65535 {
			return nil, trace.BadParameter("device %q: port must be in 1-65535, got %v", name, entry.Port)
		}
		devices = append(devices, device.Config{
			Name:     name,
			IP:       entry.IP,
			Port:     entry.Port,
			Password: entry.Password,
		})
	}
	return devices, nil
}

func loadLocations(path string, log *slog.Logger) ([]Location, error) {
	raw := map[string]Location{}
	if err := readJSONFile(path, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	deviceOwners := map[string]string{}
	locations := make([]Location, 0, len(raw))
	for _, id := range ids {
		loc := raw[id]
		loc.ID = id
		u, err := url.Parse(loc.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, trace.BadParameter("location %q: url must be http(s), got %q", id, loc.URL)
		}
		if loc.Enabled && len(loc.APIKey) < defaults.MinSecretLen {
			return nil, trace.BadParameter("location %q: api_key must be at least %v characters", id, defaults.MinSecretLen)
		}
		if loc.TimeoutMS == 0 {
			loc.TimeoutMS = int(defaults.DownstreamTimeout / time.Millisecond)
		}
		if loc.TimeoutMS < 1000 || loc.TimeoutMS > 120000 {
			return nil, trace.BadParameter("location %q: timeout_ms must be in 1000-120000, got %v", id, loc.TimeoutMS)
		}
		loc.Timeout = time.Duration(loc.TimeoutMS) * time.Millisecond
		for _, dev := range loc.Devices {
			if owner, ok := deviceOwners[dev]; ok {
				// Not fatal: the per-device resolver answers with a
				// conflict for names registered in several locations.
				log.Warn("device name registered under multiple locations",
					"device", dev, "locations", []string{owner, id})
				continue
			}
			deviceOwners[dev] = id
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

func loadPolicy(path string) (*attendance.Policy, error) {
	var file policyFile
	if err := readJSONFile(path, &file); err != nil {
		return nil, trace.Wrap(err)
	}
	policy := attendance.DefaultPolicy()

	if len(file.WeekendDays) > 0 {
		policy.WeekendDays = map[time.Weekday]bool{}
		for _, name := range file.WeekendDays {
			day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return nil, trace.BadParameter("policy: unknown weekday %q", name)
			}
			policy.WeekendDays[day] = true
		}
	}
	for date, name := range file.Holidays {
		if _, err := utils.ParseDate(date); err != nil {
			return nil, trace.BadParameter("policy: holiday date %q is not YYYY-MM-DD", date)
		}
		if policy.Holidays == nil {
			policy.Holidays = map[string]string{}
		}
		policy.Holidays[date] = name
	}
	if file.WorkDayStart != "" {
		minutes, err := parseClock(file.WorkDayStart)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		policy.WorkStartMinutes = minutes
	}
	if file.WorkDayEnd != "" {
		minutes, err := parseClock(file.WorkDayEnd)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		policy.WorkEndMinutes = minutes
	}
	if file.GraceMinutes != nil {
		policy.GraceMinutes = *file.GraceMinutes
	}
	if err := policy.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &policy, nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, trace.BadParameter("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return trace.BadParameter("parsing %v: %v", path, err)
	}
	return nil
}
