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

// Package location implements the location service HTTP API: the
// canonical user, attendance and summary views of one site's fingerprint
// terminals. Cross-device queries fan out in parallel and report
// per-device failures in the response metadata; queries naming one
// device fail directly when that device is down.
package location

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/sync/errgroup"

	biometricflow "github.com/OsamaM0/BiometricFlow-ZK-sub000"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/attendance"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/auth"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/config"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/device"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/httplib"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/middleware"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/utils"
)

// Config holds the service dependencies.
type Config struct {
	// Store hands out the active configuration snapshot.
	Store *config.Store
	// Devices returns the current device manager. The supervisor swaps
	// the manager on reload, handlers always fetch it per request.
	Devices func() *device.Manager
	// Authenticator issues and verifies this service's credentials.
	Authenticator *auth.Authenticator
	// Pipeline is the security middleware.
	Pipeline *middleware.Pipeline
	// Clock drives uptime accounting, real time if unset.
	Clock clockwork.Clock
	// Log receives service events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing config store")
	}
	if c.Devices == nil {
		return trace.BadParameter("missing device manager")
	}
	if c.Authenticator == nil {
		return trace.BadParameter("missing authenticator")
	}
	if c.Pipeline == nil {
		return trace.BadParameter("missing security pipeline")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(biometricflow.ComponentKey, biometricflow.ComponentLocation)
	}
	return nil
}

// Service is the location service HTTP API.
type Service struct {
	cfg     Config
	handler http.Handler
	started time.Time
}

// NewService returns the service with its routes mounted behind the
// security pipeline.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Service{cfg: cfg, started: cfg.Clock.Now()}

	router := httprouter.New()
	router.POST("/auth/token", httplib.MakeHandler(s.issueToken))
	router.GET("/health", cfg.Pipeline.WithAuth("", s.health))
	router.GET("/devices", cfg.Pipeline.WithAuth(auth.KindPlaceBackend, s.listDevices))
	router.GET("/device/info", cfg.Pipeline.WithAuth(auth.KindPlaceBackend, s.deviceInfo))
	router.GET("/users", cfg.Pipeline.WithAuth(auth.KindPlaceBackend, s.listUsers))
	router.GET("/attendance", cfg.Pipeline.WithAuth(auth.KindPlaceBackend, s.getAttendance))
	router.GET("/attendance/summary", cfg.Pipeline.WithAuth(auth.KindPlaceBackend, s.getSummary))

	s.handler = cfg.Pipeline.Wrap(router)
	return s, nil
}

// ServeHTTP implements http.Handler. Every request runs under the
// overall request budget so device reads cannot outlive it.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaults.RequestBudget)
	defer cancel()
	s.handler.ServeHTTP(w, r.WithContext(ctx))
}

type tokenRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Service) issueToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req tokenRequest
	if err := httplib.ReadJSON(r, defaults.MaxBodyBytes, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	configured := s.cfg.Store.Current().APIKey
	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(configured)) != 1 {
		return nil, httplib.AuthInvalid()
	}
	token, expiresIn, err := s.cfg.Authenticator.IssueToken(auth.KindPlaceBackend, 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &auth.TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(expiresIn.Seconds()),
	}, nil
}

// DeviceStatus is one entry of the health report.
type DeviceStatus struct {
	Name      string `json:"name"`
	Reachable bool   `json:"reachable"`
}

// Health is the health endpoint payload.
type Health struct {
	Status  string         `json:"status"`
	Devices []DeviceStatus `json:"devices"`
	UptimeS int64          `json:"uptime_s"`
}

func (s *Service) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	mgr := s.cfg.Devices()
	reachable, _ := fanoutDevices(r.Context(), mgr, func(ctx context.Context, d *device.Device) (bool, error) {
		return d.Reachable(ctx), nil
	})
	health := &Health{
		Status:  "ok",
		UptimeS: int64(s.cfg.Clock.Now().Sub(s.started).Seconds()),
	}
	for _, name := range mgr.Names() {
		up := reachable[name]
		if !up {
			health.Status = "degraded"
		}
		health.Devices = append(health.Devices, DeviceStatus{Name: name, Reachable: up})
	}
	return health, nil
}

// DeviceView is the device inventory entry, without the password.
type DeviceView struct {
	Name  string `json:"name"`
	IP    string `json:"ip"`
	Port  int    `json:"port"`
	State string `json:"state"`
}

func (s *Service) listDevices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	mgr := s.cfg.Devices()
	views := make([]DeviceView, 0, len(mgr.Names()))
	for _, name := range mgr.Names() {
		d, err := mgr.Device(name)
		if err != nil {
			continue
		}
		ip, port := d.Addr()
		views = append(views, DeviceView{Name: name, IP: ip, Port: port, State: d.State().String()})
	}
	return views, nil
}

func (s *Service) deviceInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	name := r.URL.Query().Get("device")
	if name == "" {
		return nil, httplib.BadRequest("missing device parameter")
	}
	d, err := s.cfg.Devices().Device(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	info, err := d.Info(r.Context())
	if err != nil {
		return nil, convertDeviceError(err)
	}
	return info, nil
}

// User is one employee as seen by this location, with the terminals it is
// enrolled on.
type User struct {
	UserID      string   `json:"user_id"`
	Name        string   `json:"name"`
	CardNo      string   `json:"card_no,omitempty"`
	Privilege   int      `json:"privilege,omitempty"`
	DeviceNames []string `json:"device_names"`
}

func (s *Service) listUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	q := r.URL.Query()
	includeUnknown, _ := strconv.ParseBool(q.Get("include_unknown"))

	if name := q.Get("device"); name != "" {
		d, err := s.cfg.Devices().Device(name)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		users, err := d.Users(r.Context())
		if err != nil {
			return nil, convertDeviceError(err)
		}
		return mergeUsers(map[string][]device.User{name: users}, includeUnknown), nil
	}

	perDevice, failures := fanoutDevices(r.Context(), s.cfg.Devices(), func(ctx context.Context, d *device.Device) ([]device.User, error) {
		return d.Users(ctx)
	})
	if len(perDevice) == 0 && len(failures) > 0 {
		return nil, httplib.WithFailures(httplib.UpstreamUnavailable("no device could be reached"), failures)
	}
	return &httplib.PartialResult{
		Data:     mergeUsers(perDevice, includeUnknown),
		Partial:  len(failures) > 0 && len(perDevice) > 0,
		Failures: failures,
	}, nil
}

func (s *Service) getAttendance(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	params, err := parseAttendanceParams(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	policy := s.cfg.Store.Current().Policy

	if params.device != "" {
		d, err := s.cfg.Devices().Device(params.device)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		data, err := readDevice(r.Context(), d, params.window)
		if err != nil {
			return nil, convertDeviceError(err)
		}
		records, err := enrichResults(map[string]deviceData{params.device: data}, params, policy)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return records, nil
	}

	perDevice, failures := fanoutDevices(r.Context(), s.cfg.Devices(), func(ctx context.Context, d *device.Device) (deviceData, error) {
		return readDevice(ctx, d, params.window)
	})
	if len(perDevice) == 0 && len(failures) > 0 {
		return nil, httplib.WithFailures(httplib.UpstreamUnavailable("no device could be reached"), failures)
	}
	records, err := enrichResults(perDevice, params, policy)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &httplib.PartialResult{
		Data:     records,
		Partial:  len(failures) > 0 && len(perDevice) > 0,
		Failures: failures,
	}, nil
}

func (s *Service) getSummary(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	out, err := s.getAttendance(w, r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	deviceName := r.URL.Query().Get("device")
	summarize := func(records []attendance.Record) []attendance.Summary {
		summaries := attendance.Summarize(records)
		for i := range summaries {
			summaries[i].DeviceName = deviceName
		}
		return summaries
	}
	if pr, ok := out.(*httplib.PartialResult); ok {
		pr.Data = summarize(pr.Data.([]attendance.Record))
		return pr, nil
	}
	return summarize(out.([]attendance.Record)), nil
}

type attendanceParams struct {
	device   string
	user     string
	window   attendance.Range
	holidays []time.Time
}

func parseAttendanceParams(r *http.Request) (*attendanceParams, error) {
	q := r.URL.Query()
	if q.Get("start") == "" || q.Get("end") == "" {
		return nil, httplib.BadRequest("start and end parameters are required")
	}
	start, err := utils.ParseDate(q.Get("start"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	end, err := utils.ParseDate(q.Get("end"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	window, err := attendance.NewRange(start, end)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	holidays, err := utils.ParseDateList(q.Get("holidays"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &attendanceParams{
		device:   q.Get("device"),
		user:     q.Get("user"),
		window:   window,
		holidays: holidays,
	}, nil
}

// deviceData is what one terminal contributes to an attendance query.
type deviceData struct {
	users  []device.User
	events []attendance.Event
}

func readDevice(ctx context.Context, d *device.Device, window attendance.Range) (deviceData, error) {
	users, err := d.Users(ctx)
	if err != nil {
		return deviceData{}, trace.Wrap(err)
	}
	events, err := d.Attendance(ctx, window.Start, window.End)
	if err != nil {
		return deviceData{}, trace.Wrap(err)
	}
	return deviceData{users: users, events: events}, nil
}

func enrichResults(perDevice map[string]deviceData, params *attendanceParams, policy attendance.Policy) ([]attendance.Record, error) {
	users := map[string]string{}
	var events []attendance.Event
	for _, data := range perDevice {
		for _, u := range data.users {
			if existing := users[u.UserID]; existing == "" || existing == u.UserID {
				users[u.UserID] = u.Name
			}
		}
		events = append(events, data.events...)
	}
	if params.user != "" {
		name, ok := users[params.user]
		if !ok {
			name = params.user
		}
		users = map[string]string{params.user: name}
		filtered := events[:0]
		for _, e := range events {
			if e.UserID == params.user {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	records, err := attendance.Enrich(events, users, params.window, policy, params.holidays)
	return records, trace.Wrap(err)
}

func mergeUsers(perDevice map[string][]device.User, includeUnknown bool) []User {
	byID := map[string]*User{}
	names := make([]string, 0, len(perDevice))
	for name := range perDevice {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, deviceName := range names {
		for _, u := range perDevice[deviceName] {
			// Entries with no enrolled name are placeholders the terminal
			// auto-creates; skip them unless explicitly requested.
			if !includeUnknown && (u.Name == "" || u.Name == u.UserID) {
				continue
			}
			merged, ok := byID[u.UserID]
			if !ok {
				merged = &User{UserID: u.UserID, Name: u.Name, CardNo: u.CardNo, Privilege: u.Privilege}
				byID[u.UserID] = merged
			}
			if merged.Name == "" || merged.Name == merged.UserID {
				merged.Name = u.Name
			}
			merged.DeviceNames = append(merged.DeviceNames, deviceName)
		}
	}
	out := make([]User, 0, len(byID))
	for _, u := range byID {
		sort.Strings(u.DeviceNames)
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// fanoutDevices runs fn against every configured device in parallel and
// collects per-device failures instead of failing the whole query.
func fanoutDevices[T any](ctx context.Context, mgr *device.Manager, fn func(context.Context, *device.Device) (T, error)) (map[string]T, []httplib.Failure) {
	var mu sync.Mutex
	results := map[string]T{}
	var failures []httplib.Failure

	group, ctx := errgroup.WithContext(ctx)
	for _, name := range mgr.Names() {
		d, err := mgr.Device(name)
		if err != nil {
			continue
		}
		group.Go(func() error {
			v, err := fn(ctx, d)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, httplib.Failure{LocationID: d.Name(), Reason: failureReason(err)})
				return nil
			}
			results[d.Name()] = v
			return nil
		})
	}
	_ = group.Wait()
	sort.Slice(failures, func(i, j int) bool { return failures[i].LocationID < failures[j].LocationID })
	return results, failures
}

func failureReason(err error) string {
	switch {
	case device.IsTimeout(err):
		return "timeout"
	case device.IsUnreachable(err):
		return "unreachable"
	case device.IsProtocol(err):
		return "protocol_error"
	}
	return "error"
}

func convertDeviceError(err error) error {
	switch {
	case err == nil:
		return nil
	case device.IsTimeout(err):
		return httplib.Timeout()
	case device.IsUnreachable(err), device.IsProtocol(err):
		return httplib.UpstreamUnavailable("%v", err)
	}
	return trace.Wrap(err)
}
