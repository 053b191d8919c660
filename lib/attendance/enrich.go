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

package attendance

import (
	"sort"
	"time"

	"github.com/gravitational/trace"

	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/utils"
)

// Range is an inclusive calendar date range.
type Range struct {
	Start time.Time
	End   time.Time
}

// NewRange validates a start..end pair.
func NewRange(start, end time.Time) (Range, error) {
	start = midnight(start)
	end = midnight(end)
	if end.Before(start) {
		return Range{}, trace.BadParameter("start date is after end date")
	}
	if end.Sub(start) > defaults.MaxAttendanceRangeDays*24*time.Hour {
		return Range{}, trace.BadParameter("date range exceeds %v days", defaults.MaxAttendanceRangeDays)
	}
	return Range{Start: start, End: end}, nil
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

type dayKey struct {
	userID string
	date   string
}

type dayTimes struct {
	firstIn *time.Time
	lastOut *time.Time
}

// Enrich derives one Record per (known user, date) over the range. Known
// users are the given id→name map plus every user seen in the events.
// Request holidays are unioned with the policy's configured holidays.
func Enrich(events []Event, users map[string]string, r Range, policy Policy, extraHolidays []time.Time) ([]Record, error) {
	if err := policy.Check(); err != nil {
		return nil, trace.Wrap(err)
	}

	holidays := make(map[string]string, len(policy.Holidays)+len(extraHolidays))
	for d, name := range policy.Holidays {
		holidays[d] = name
	}
	for _, d := range extraHolidays {
		key := d.Format(utils.DateFormat)
		if _, ok := holidays[key]; !ok {
			holidays[key] = ""
		}
	}

	known := make(map[string]string, len(users))
	for id, name := range users {
		known[id] = name
	}
	for _, ev := range events {
		if _, ok := known[ev.UserID]; !ok {
			known[ev.UserID] = ""
		}
	}

	days := bucketByUserDay(events)

	userIDs := make([]string, 0, len(known))
	for id := range known {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	var out []Record
	for date := r.Start; !date.After(r.End); date = date.AddDate(0, 0, 1) {
		dateStr := date.Format(utils.DateFormat)
		holidayName, isHoliday := "", false
		if name, ok := holidays[dateStr]; ok {
			isHoliday, holidayName = true, name
		}
		isWeekend := policy.WeekendDays[date.Weekday()]

		for _, id := range userIDs {
			times := days[dayKey{userID: id, date: dateStr}]
			rec := Record{
				UserID:       id,
				UserName:     known[id],
				Date:         dateStr,
				IsHoliday:    isHoliday,
				HolidayName:  holidayName,
				IsWorkingDay: !isHoliday && !isWeekend,
				TotalHours:   totalHours(times.firstIn, times.lastOut),
			}
			if times.firstIn != nil {
				rec.FirstIn = times.firstIn
			}
			if times.lastOut != nil {
				rec.LastOut = times.lastOut
			}
			rec.Status = classify(times, isHoliday, isWeekend, policy)
			out = append(out, rec)
		}
	}
	// Dates ascend by construction; users ascend within each date.
	return out, nil
}

// bucketByUserDay reduces events to first-in/last-out per user per local
// date. Punches of unknown direction count toward both sides. Terminals
// sometimes misreport the punch kind, leaving the earliest in after the
// latest out; such pairs are normalized to the observed min/max so
// first-in never trails last-out.
func bucketByUserDay(events []Event) map[dayKey]dayTimes {
	days := make(map[dayKey]dayTimes)
	for _, ev := range events {
		key := dayKey{userID: ev.UserID, date: ev.Timestamp.Format(utils.DateFormat)}
		times := days[key]
		ts := ev.Timestamp
		switch ev.Punch {
		case PunchIn:
			if times.firstIn == nil || ts.Before(*times.firstIn) {
				times.firstIn = &ts
			}
		case PunchOut:
			if times.lastOut == nil || ts.After(*times.lastOut) {
				times.lastOut = &ts
			}
		case PunchUnknown:
			if times.firstIn == nil || ts.Before(*times.firstIn) {
				times.firstIn = &ts
			}
			if times.lastOut == nil || ts.After(*times.lastOut) {
				times.lastOut = &ts
			}
		}
		days[key] = times
	}
	for key, times := range days {
		if times.firstIn != nil && times.lastOut != nil && times.firstIn.After(*times.lastOut) {
			times.firstIn, times.lastOut = times.lastOut, times.firstIn
			days[key] = times
		}
	}
	return days
}

// totalHours is the span between first-in and last-out in hours, rounded
// half-even to two decimals, zero when either side is missing. The
// arithmetic stays in integer seconds until the final rounding.
func totalHours(firstIn, lastOut *time.Time) float64 {
	if firstIn == nil || lastOut == nil {
		return 0
	}
	seconds := int64(lastOut.Sub(*firstIn) / time.Second)
	if seconds < 0 {
		return 0
	}
	// hundredths of an hour, rounded half to even
	n := seconds * 100
	q, rem := n/3600, n%3600
	switch {
	case rem*2 > 3600:
		q++
	case rem*2 == 3600 && q%2 == 1:
		q++
	}
	return float64(q) / 100
}

func classify(times dayTimes, isHoliday, isWeekend bool, policy Policy) Status {
	switch {
	case isHoliday:
		return StatusHoliday
	case isWeekend:
		return StatusWeekend
	case times.firstIn == nil && times.lastOut == nil:
		return StatusAbsent
	case times.lastOut == nil:
		return StatusOnlyIn
	case times.firstIn == nil:
		return StatusOnlyOut
	}

	// Compare wall-clock seconds of the local device day so the range's
	// time zone does not skew the classification.
	graceSec := policy.GraceMinutes * 60
	if secondOfDay(*times.firstIn) > policy.WorkStartMinutes*60+graceSec {
		return StatusLate
	}
	if secondOfDay(*times.lastOut) < policy.WorkEndMinutes*60-graceSec {
		return StatusEarlyLeave
	}
	return StatusPresent
}

func secondOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}
