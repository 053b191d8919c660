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

import "sort"

// presentStatuses are the classifications that count as attended: the
// user punched on a working day.
var presentStatuses = map[Status]bool{
	StatusPresent:    true,
	StatusLate:       true,
	StatusEarlyLeave: true,
	StatusOnlyIn:     true,
	StatusOnlyOut:    true,
}

// Summarize reduces records to one Summary per date. The attendance rate
// is computed from the integer counts after aggregation, rounded
// half-even to four decimals.
func Summarize(records []Record) []Summary {
	byDate := make(map[string]*Summary)
	for _, rec := range records {
		s, ok := byDate[rec.Date]
		if !ok {
			s = &Summary{Date: rec.Date, LocationID: rec.LocationID}
			byDate[rec.Date] = s
		}
		if s.LocationID != rec.LocationID {
			// Records from several locations collapse into one summary
			// without a location scope.
			s.LocationID = ""
		}
		s.TotalUsers++
		switch {
		case presentStatuses[rec.Status]:
			s.Present++
		case rec.Status == StatusAbsent:
			s.Absent++
		case rec.Status == StatusHoliday:
			s.Holiday++
		case rec.Status == StatusWeekend:
			s.Weekend++
		}
	}

	out := make([]Summary, 0, len(byDate))
	for _, s := range byDate {
		s.AttendanceRate = Rate4(s.Present, s.TotalUsers)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// MergeSummaries combines per-location summaries of the same dates by
// summing the integer fields and recomputing the rate. Ratios are never
// summed directly.
func MergeSummaries(groups ...[]Summary) []Summary {
	byDate := make(map[string]*Summary)
	for _, group := range groups {
		for _, in := range group {
			s, ok := byDate[in.Date]
			if !ok {
				s = &Summary{Date: in.Date}
				byDate[in.Date] = s
			}
			s.TotalUsers += in.TotalUsers
			s.Present += in.Present
			s.Absent += in.Absent
			s.Holiday += in.Holiday
			s.Weekend += in.Weekend
		}
	}
	out := make([]Summary, 0, len(byDate))
	for _, s := range byDate {
		s.AttendanceRate = Rate4(s.Present, s.TotalUsers)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Rate4 is present/max(1, total) rounded half-even to four decimals.
func Rate4(present, total int) float64 {
	if total < 1 {
		total = 1
	}
	n := int64(present) * 10000
	d := int64(total)
	q, rem := n/d, n%d
	switch {
	case rem*2 > d:
		q++
	case rem*2 == d && q%2 == 1:
		q++
	}
	return float64(q) / 10000
}
