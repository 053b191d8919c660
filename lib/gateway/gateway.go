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

// Package gateway implements the unified gateway: the single API callers
// use. Cross-location requests fan out concurrently to every enabled
// location service, each through its own circuit breaker and cached
// place token, and the results are merged deterministically with
// per-location failures reported in the response metadata.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	biometricflow "github.com/OsamaM0/BiometricFlow-ZK-sub000"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/attendance"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/auth"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/config"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/httplib"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/location"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/middleware"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/utils"
)

var fanoutOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: biometricflow.MetricNamespace,
	Subsystem: "gateway",
	Name:      "fanout_outcomes_total",
	Help:      "Downstream fan-out call outcomes by location and result.",
}, []string{"location", "outcome"})

var registerOnce sync.Once

func ensureRegistered() {
	registerOnce.Do(func() {
		prometheus.MustRegister(fanoutOutcomes)
	})
}

// Config holds the service dependencies.
type Config struct {
	// Store hands out the active configuration snapshot.
	Store *config.Store
	// Authenticator issues and verifies this service's credentials.
	Authenticator *auth.Authenticator
	// Pipeline is the security middleware.
	Pipeline *middleware.Pipeline
	// Client performs downstream HTTP calls. Defaults to a pooled client
	// with the downstream timeout; tests inject their own.
	Client *http.Client
	// Clock drives token cache and breaker timing, real time if unset.
	Clock clockwork.Clock
	// Log receives service events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing config store")
	}
	if c.Authenticator == nil {
		return trace.BadParameter("missing authenticator")
	}
	if c.Pipeline == nil {
		return trace.BadParameter("missing security pipeline")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.DownstreamTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(biometricflow.ComponentKey, biometricflow.ComponentGateway)
	}
	return nil
}

// Service is the unified gateway HTTP API.
type Service struct {
	cfg      Config
	registry *registry
	sem      *semaphore.Weighted
	handler  http.Handler
	started  time.Time
}

// NewService returns the gateway with its routes mounted behind the
// security pipeline.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()
	s := &Service{
		cfg:      cfg,
		registry: newRegistry(cfg.Client, cfg.Clock, cfg.Log),
		sem:      semaphore.NewWeighted(defaults.OutboundConcurrency),
		started:  cfg.Clock.Now(),
	}
	if err := s.registry.Update(cfg.Store.Current().Locations); err != nil {
		return nil, trace.Wrap(err)
	}

	router := httprouter.New()
	router.POST("/auth/frontend/token", httplib.MakeHandler(s.issueFrontendToken))
	router.POST("/auth/place/token", httplib.MakeHandler(s.issuePlaceToken))
	router.GET("/health", httplib.MakeHandler(s.health))
	router.GET("/places", cfg.Pipeline.WithAuth(auth.KindFrontend, s.listPlaces))
	router.GET("/devices/all", cfg.Pipeline.WithAuth(auth.KindFrontend, s.allDevices))
	router.GET("/users/all", cfg.Pipeline.WithAuth(auth.KindFrontend, s.allUsers))
	router.GET("/attendance/all", cfg.Pipeline.WithAuth(auth.KindFrontend, s.allAttendance))
	router.GET("/summary/all", cfg.Pipeline.WithAuth(auth.KindFrontend, s.allSummaries))
	router.GET("/place/:id/*path", cfg.Pipeline.WithAuth(auth.KindFrontend, s.proxyPlace))
	router.GET("/device/:name/*path", cfg.Pipeline.WithAuth(auth.KindFrontend, s.proxyDevice))

	s.handler = cfg.Pipeline.Wrap(router)
	return s, nil
}

// ServeHTTP implements http.Handler. Every request runs under the
// overall request budget; downstream deadlines never exceed it.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaults.RequestBudget)
	defer cancel()
	s.handler.ServeHTTP(w, r.WithContext(ctx))
}

// Reload rebuilds the downstream registry from the active configuration
// snapshot. Unchanged locations keep their breaker and token state.
func (s *Service) Reload() error {
	return trace.Wrap(s.registry.Update(s.cfg.Store.Current().Locations))
}

type tokenRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Service) issueFrontendToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return s.issueToken(r, s.cfg.Store.Current().FrontendAPIKey, auth.KindFrontend)
}

func (s *Service) issuePlaceToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return s.issueToken(r, s.cfg.Store.Current().PlaceAPIKey, auth.KindPlaceBackend)
}

func (s *Service) issueToken(r *http.Request, configured string, kind auth.TokenKind) (any, error) {
	var req tokenRequest
	if err := httplib.ReadJSON(r, defaults.MaxBodyBytes, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if configured == "" || subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(configured)) != 1 {
		return nil, httplib.AuthInvalid()
	}
	token, expiresIn, err := s.cfg.Authenticator.IssueToken(kind, 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &auth.TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(expiresIn.Seconds()),
	}, nil
}

// LocationHealth is one location's entry in the aggregated health view.
type LocationHealth struct {
	LocationID  string                  `json:"location_id"`
	DisplayName string                  `json:"display_name,omitempty"`
	Status      string                  `json:"status"`
	Devices     []location.DeviceStatus `json:"devices,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
}

// Health is the aggregated health payload.
type Health struct {
	Status    string           `json:"status"`
	Locations []LocationHealth `json:"locations"`
	UptimeS   int64            `json:"uptime_s"`
}

func (s *Service) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	targets := s.registry.Enabled()
	results, failures := s.fanout(r.Context(), targets, "/health")

	health := &Health{
		Status:  "ok",
		UptimeS: int64(s.cfg.Clock.Now().Sub(s.started).Seconds()),
	}
	failed := map[string]string{}
	for _, f := range failures {
		failed[f.LocationID] = f.Reason
	}
	for _, d := range targets {
		entry := LocationHealth{LocationID: d.loc.ID, DisplayName: d.loc.DisplayName}
		if reason, ok := failed[d.loc.ID]; ok {
			entry.Status = "unreachable"
			entry.Reason = reason
			health.Status = "degraded"
		} else {
			var lh location.Health
			if err := json.Unmarshal(results[d.loc.ID], &lh); err != nil {
				entry.Status = "unreachable"
				entry.Reason = reasonBadPayload
				health.Status = "degraded"
			} else {
				entry.Status = lh.Status
				entry.Devices = lh.Devices
				if lh.Status != "ok" {
					health.Status = "degraded"
				}
			}
		}
		health.Locations = append(health.Locations, entry)
	}
	return health, nil
}

// Place is a registered location without its secrets.
type Place struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Address     string   `json:"address,omitempty"`
	URL         string   `json:"url"`
	Enabled     bool     `json:"enabled"`
	Priority    int      `json:"priority"`
	Devices     []string `json:"devices"`
	TimeoutMS   int      `json:"timeout_ms"`
}

func (s *Service) listPlaces(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	locations := s.cfg.Store.Current().Locations
	places := make([]Place, 0, len(locations))
	for _, loc := range locations {
		places = append(places, Place{
			ID:          loc.ID,
			DisplayName: loc.DisplayName,
			Address:     loc.Address,
			URL:         loc.URL,
			Enabled:     loc.Enabled,
			Priority:    loc.Priority,
			Devices:     loc.Devices,
			TimeoutMS:   loc.TimeoutMS,
		})
	}
	return places, nil
}

// Device is one terminal of the merged inventory.
type Device struct {
	location.DeviceView
	LocationID string `json:"location_id"`
}

func (s *Service) allDevices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	results, failures := s.fanout(r.Context(), s.registry.Enabled(), "/devices")
	merged := make([]Device, 0)
	for id, raw := range results {
		var views []location.DeviceView
		if err := json.Unmarshal(raw, &views); err != nil {
			failures = appendFailure(failures, id, reasonBadPayload)
			delete(results, id)
			continue
		}
		for _, v := range views {
			merged = append(merged, Device{DeviceView: v, LocationID: id})
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].LocationID != merged[j].LocationID {
			return merged[i].LocationID < merged[j].LocationID
		}
		return merged[i].Name < merged[j].Name
	})
	return partialReply(merged, len(results), failures)
}

// LocatedUser is one user scoped to the location that reported it.
type LocatedUser struct {
	location.User
	LocationID string `json:"location_id"`
}

// MergedUser is one user merged across locations by user ID.
type MergedUser struct {
	UserID      string   `json:"user_id"`
	Name        string   `json:"name"`
	CardNo      string   `json:"card_no,omitempty"`
	Privilege   int      `json:"privilege,omitempty"`
	LocationIDs []string `json:"location_ids"`
}

func (s *Service) allUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	q := r.URL.Query()
	path := "/users"
	if passthrough := copyParams(q, "include_unknown"); len(passthrough) > 0 {
		path += "?" + passthrough.Encode()
	}
	results, failures := s.fanout(r.Context(), s.registry.Enabled(), path)

	perLocation := map[string][]location.User{}
	for id, raw := range results {
		var users []location.User
		if err := json.Unmarshal(raw, &users); err != nil {
			failures = appendFailure(failures, id, reasonBadPayload)
			delete(results, id)
			continue
		}
		perLocation[id] = users
	}

	if q.Get("merge_by") == "user_id" {
		return partialReply(mergeUsersByID(perLocation), len(results), failures)
	}

	merged := make([]LocatedUser, 0)
	for id, users := range perLocation {
		for _, u := range users {
			merged = append(merged, LocatedUser{User: u, LocationID: id})
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].LocationID != merged[j].LocationID {
			return merged[i].LocationID < merged[j].LocationID
		}
		return merged[i].UserID < merged[j].UserID
	})
	return partialReply(merged, len(results), failures)
}

func mergeUsersByID(perLocation map[string][]location.User) []MergedUser {
	ids := make([]string, 0, len(perLocation))
	for id := range perLocation {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	byUser := map[string]*MergedUser{}
	for _, locID := range ids {
		for _, u := range perLocation[locID] {
			merged, ok := byUser[u.UserID]
			if !ok {
				merged = &MergedUser{
					UserID:    u.UserID,
					Name:      u.Name,
					CardNo:    u.CardNo,
					Privilege: u.Privilege,
				}
				byUser[u.UserID] = merged
			}
			merged.LocationIDs = append(merged.LocationIDs, locID)
		}
	}
	out := make([]MergedUser, 0, len(byUser))
	for _, u := range byUser {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Service) allAttendance(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	path, err := attendancePath("/attendance", r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	results, failures := s.fanout(r.Context(), s.registry.Enabled(), path)

	merged := make([]attendance.Record, 0)
	for id, raw := range results {
		var records []attendance.Record
		if err := json.Unmarshal(raw, &records); err != nil {
			failures = appendFailure(failures, id, reasonBadPayload)
			delete(results, id)
			continue
		}
		for i := range records {
			records[i].LocationID = id
		}
		merged = append(merged, records...)
	}
	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.LocationID != b.LocationID {
			return a.LocationID < b.LocationID
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.UserID < b.UserID
	})
	return partialReply(merged, len(results), failures)
}

func (s *Service) allSummaries(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	path, err := attendancePath("/attendance/summary", r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	results, failures := s.fanout(r.Context(), s.registry.Enabled(), path)

	groups := make([][]attendance.Summary, 0, len(results))
	for id, raw := range results {
		var summaries []attendance.Summary
		if err := json.Unmarshal(raw, &summaries); err != nil {
			failures = appendFailure(failures, id, reasonBadPayload)
			delete(results, id)
			continue
		}
		for i := range summaries {
			summaries[i].LocationID = id
			summaries[i].DeviceName = ""
		}
		groups = append(groups, summaries)
	}
	return partialReply(attendance.MergeSummaries(groups...), len(results), failures)
}

func (s *Service) proxyPlace(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	d, ok := s.registry.Lookup(p.ByName("id"))
	if !ok {
		return nil, httplib.NotFound("location %q is not registered", p.ByName("id"))
	}
	path := p.ByName("path")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	data, err := d.Get(r.Context(), path)
	if err != nil {
		return nil, convertCallError(err)
	}
	return data, nil
}

func (s *Service) proxyDevice(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	name := p.ByName("name")
	d, err := s.registry.ResolveDevice(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// The owning location serves the request scoped to that one device.
	q := r.URL.Query()
	q.Set("device", name)
	path := p.ByName("path") + "?" + q.Encode()
	data, err := d.Get(r.Context(), path)
	if err != nil {
		return nil, convertCallError(err)
	}
	return data, nil
}

// fanout issues one downstream GET per target concurrently, bounded by
// the outbound semaphore, and collects raw payloads and failures.
func (s *Service) fanout(ctx context.Context, targets []*downstream, path string) (map[string]json.RawMessage, []httplib.Failure) {
	var mu sync.Mutex
	results := map[string]json.RawMessage{}
	var failures []httplib.Failure

	group, ctx := errgroup.WithContext(ctx)
	for _, d := range targets {
		d := d
		group.Go(func() error {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				failures = append(failures, httplib.Failure{LocationID: d.loc.ID, Reason: reasonTimeout})
				mu.Unlock()
				return nil
			}
			defer s.sem.Release(1)

			data, err := d.Get(ctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				reason := failureReason(err)
				fanoutOutcomes.WithLabelValues(d.loc.ID, reason).Inc()
				s.cfg.Log.WarnContext(ctx, "downstream call failed",
					"location", d.loc.ID, "path", path, "reason", reason, "error", err)
				failures = append(failures, httplib.Failure{LocationID: d.loc.ID, Reason: reason})
				return nil
			}
			fanoutOutcomes.WithLabelValues(d.loc.ID, "success").Inc()
			results[d.loc.ID] = data
			return nil
		})
	}
	_ = group.Wait()
	sort.Slice(failures, func(i, j int) bool { return failures[i].LocationID < failures[j].LocationID })
	return results, failures
}

// partialReply wraps merged data with partial metadata, or fails with the
// collected failures when nothing succeeded.
func partialReply(data any, successes int, failures []httplib.Failure) (any, error) {
	if successes == 0 && len(failures) > 0 {
		return nil, httplib.WithFailures(httplib.UpstreamUnavailable("all locations failed"), failures)
	}
	return &httplib.PartialResult{
		Data:     data,
		Partial:  len(failures) > 0 && successes > 0,
		Failures: failures,
	}, nil
}

func appendFailure(failures []httplib.Failure, id, reason string) []httplib.Failure {
	failures = append(failures, httplib.Failure{LocationID: id, Reason: reason})
	sort.Slice(failures, func(i, j int) bool { return failures[i].LocationID < failures[j].LocationID })
	return failures
}

// attendancePath validates the date range locally and rebuilds the
// downstream query from the allowed parameters.
func attendancePath(base string, r *http.Request) (string, error) {
	q := r.URL.Query()
	if q.Get("start") == "" || q.Get("end") == "" {
		return "", httplib.BadRequest("start and end parameters are required")
	}
	start, err := utils.ParseDate(q.Get("start"))
	if err != nil {
		return "", trace.Wrap(err)
	}
	end, err := utils.ParseDate(q.Get("end"))
	if err != nil {
		return "", trace.Wrap(err)
	}
	if _, err := attendance.NewRange(start, end); err != nil {
		return "", trace.Wrap(err)
	}
	if _, err := utils.ParseDateList(q.Get("holidays")); err != nil {
		return "", trace.Wrap(err)
	}
	return base + "?" + copyParams(q, "start", "end", "holidays", "user").Encode(), nil
}

// copyParams copies the named query parameters that are present.
func copyParams(q url.Values, names ...string) url.Values {
	out := url.Values{}
	for _, name := range names {
		if v := q.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	return out
}

// sortDownstreams orders targets by priority, then ID, so fan-out and
// merge order are deterministic.
func sortDownstreams(targets []*downstream) {
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].loc.Priority != targets[j].loc.Priority {
			return targets[i].loc.Priority < targets[j].loc.Priority
		}
		return targets[i].loc.ID < targets[j].loc.ID
	})
}

// convertCallError maps a single-target downstream error to the API
// taxonomy. Envelope errors from the location service pass through with
// their original code and status.
func convertCallError(err error) error {
	var apiErr *httplib.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch failureReason(err) {
	case reasonTimeout:
		return httplib.Timeout()
	default:
		return httplib.UpstreamUnavailable("location unavailable: %v", failureReason(err))
	}
}
