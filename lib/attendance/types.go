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

// Package attendance turns raw punch events read from fingerprint
// terminals into per-user per-day records and daily summaries, applying
// the working-day policy.
package attendance

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/utils"
)

// PunchType classifies a raw punch event.
type PunchType string

const (
	// PunchIn is a check-in punch.
	PunchIn PunchType = "in"
	// PunchOut is a check-out punch.
	PunchOut PunchType = "out"
	// PunchOther is a punch that is neither, such as overtime markers.
	PunchOther PunchType = "other"
	// PunchUnknown is a punch whose direction the terminal did not
	// record. It counts toward both sides of the day.
	PunchUnknown PunchType = "unknown"
)

// Event is one raw punch read from a terminal, in local device time.
type Event struct {
	UserID     string    `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
	Punch      PunchType `json:"punch_type"`
	DeviceName string    `json:"device_name"`
}

// Status is the derived classification of a user's day.
type Status string

const (
	StatusPresent    Status = "Present"
	StatusAbsent     Status = "Absent"
	StatusLate       Status = "Late"
	StatusEarlyLeave Status = "EarlyLeave"
	StatusHoliday    Status = "Holiday"
	StatusWeekend    Status = "Weekend"
	StatusOnlyIn     Status = "OnlyIn"
	StatusOnlyOut    Status = "OnlyOut"
)

// Record is the enriched attendance of one user on one day.
type Record struct {
	UserID       string     `json:"user_id"`
	UserName     string     `json:"user_name"`
	Date         string     `json:"date"`
	LocationID   string     `json:"location_id,omitempty"`
	FirstIn      *time.Time `json:"first_in,omitempty"`
	LastOut      *time.Time `json:"last_out,omitempty"`
	TotalHours   float64    `json:"total_hours"`
	IsWorkingDay bool       `json:"is_working_day"`
	IsHoliday    bool       `json:"is_holiday"`
	HolidayName  string     `json:"holiday_name,omitempty"`
	Status       Status     `json:"status"`
}

// Summary aggregates one day of records.
type Summary struct {
	Date           string  `json:"date"`
	LocationID     string  `json:"location_id,omitempty"`
	DeviceName     string  `json:"device_name,omitempty"`
	TotalUsers     int     `json:"total_users"`
	Present        int     `json:"present"`
	Absent         int     `json:"absent"`
	Holiday        int     `json:"holiday"`
	Weekend        int     `json:"weekend"`
	AttendanceRate float64 `json:"attendance_rate"`
}

// Policy is the working-day policy applied during enrichment.
type Policy struct {
	// WeekendDays is the set of non-working weekdays.
	WeekendDays map[time.Weekday]bool
	// Holidays maps YYYY-MM-DD dates to holiday names.
	Holidays map[string]string
	// WorkStartMinutes and WorkEndMinutes bound the working window, in
	// minutes from midnight local device time.
	WorkStartMinutes int
	WorkEndMinutes   int
	// GraceMinutes is the tolerance for late arrival and early leave.
	GraceMinutes int
}

// DefaultPolicy returns the default Fri+Sat weekend policy with the
// standard working window.
func DefaultPolicy() Policy {
	return Policy{
		WeekendDays:      map[time.Weekday]bool{time.Friday: true, time.Saturday: true},
		Holidays:         map[string]string{},
		WorkStartMinutes: defaults.WorkDayStart,
		WorkEndMinutes:   defaults.WorkDayEnd,
		GraceMinutes:     defaults.GraceMinutes,
	}
}

// Check validates the policy.
func (p Policy) Check() error {
	if p.WorkStartMinutes < 0 || p.WorkEndMinutes > 24*60 || p.WorkStartMinutes >= p.WorkEndMinutes {
		return trace.BadParameter("invalid working window %v..%v", p.WorkStartMinutes, p.WorkEndMinutes)
	}
	if p.GraceMinutes < 0 {
		return trace.BadParameter("grace minutes must not be negative")
	}
	for d := range p.Holidays {
		if _, err := utils.ParseDate(d); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// isHoliday returns whether date (YYYY-MM-DD) is a configured holiday and
// its name.
func (p Policy) isHoliday(date string) (bool, string) {
	name, ok := p.Holidays[date]
	return ok, name
}
