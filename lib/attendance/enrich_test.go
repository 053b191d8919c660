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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// monday is 2025-01-06, a regular working Monday under the default
// Fri+Sat weekend policy.
var monday = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

func at(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.WorkStartMinutes = 8 * 60
	p.WorkEndMinutes = 17 * 60
	p.GraceMinutes = 10
	return p
}

func singleDay(t *testing.T, day time.Time) Range {
	t.Helper()
	r, err := NewRange(day, day)
	require.NoError(t, err)
	return r
}

func TestEnrichPresentDay(t *testing.T) {
	events := []Event{
		{UserID: "u1", Timestamp: at(monday, 8, 5), Punch: PunchIn, DeviceName: "gate"},
		{UserID: "u1", Timestamp: at(monday, 17, 10), Punch: PunchOut, DeviceName: "gate"},
	}
	records, err := Enrich(events, map[string]string{"u1": "Alice"}, singleDay(t, monday), testPolicy(), nil)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	require.Equal(t, "u1", rec.UserID)
	require.Equal(t, "Alice", rec.UserName)
	require.Equal(t, "2025-01-06", rec.Date)
	require.Equal(t, at(monday, 8, 5), *rec.FirstIn)
	require.Equal(t, at(monday, 17, 10), *rec.LastOut)
	require.InDelta(t, 9.08, rec.TotalHours, 0.0001)
	require.True(t, rec.IsWorkingDay)
	require.False(t, rec.IsHoliday)
	require.Equal(t, StatusPresent, rec.Status)
}

func TestEnrichHolidayOverride(t *testing.T) {
	events := []Event{
		{UserID: "u1", Timestamp: at(monday, 8, 5), Punch: PunchIn},
		{UserID: "u1", Timestamp: at(monday, 17, 10), Punch: PunchOut},
	}
	records, err := Enrich(events, map[string]string{"u1": "Alice"}, singleDay(t, monday), testPolicy(), []time.Time{monday})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	// Hours are still computed; the status reflects the policy.
	require.Equal(t, StatusHoliday, rec.Status)
	require.True(t, rec.IsHoliday)
	require.False(t, rec.IsWorkingDay)
	require.InDelta(t, 9.08, rec.TotalHours, 0.0001)
}

func TestEnrichStatuses(t *testing.T) {
	policy := testPolicy()
	tests := []struct {
		name   string
		events []Event
		want   Status
	}{
		{
			name: "late",
			events: []Event{
				{UserID: "u1", Timestamp: at(monday, 8, 11), Punch: PunchIn},
				{UserID: "u1", Timestamp: at(monday, 17, 0), Punch: PunchOut},
			},
			want: StatusLate,
		},
		{
			name: "early leave",
			events: []Event{
				{UserID: "u1", Timestamp: at(monday, 8, 0), Punch: PunchIn},
				{UserID: "u1", Timestamp: at(monday, 16, 49), Punch: PunchOut},
			},
			want: StatusEarlyLeave,
		},
		{
			name: "grace tolerated",
			events: []Event{
				{UserID: "u1", Timestamp: at(monday, 8, 10), Punch: PunchIn},
				{UserID: "u1", Timestamp: at(monday, 16, 50), Punch: PunchOut},
			},
			want: StatusPresent,
		},
		{
			name: "only in",
			events: []Event{
				{UserID: "u1", Timestamp: at(monday, 8, 0), Punch: PunchIn},
			},
			want: StatusOnlyIn,
		},
		{
			name: "only out",
			events: []Event{
				{UserID: "u1", Timestamp: at(monday, 17, 0), Punch: PunchOut},
			},
			want: StatusOnlyOut,
		},
		{
			name:   "absent",
			events: nil,
			want:   StatusAbsent,
		},
		{
			name: "late beats early leave",
			events: []Event{
				{UserID: "u1", Timestamp: at(monday, 9, 0), Punch: PunchIn},
				{UserID: "u1", Timestamp: at(monday, 12, 0), Punch: PunchOut},
			},
			want: StatusLate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := Enrich(tt.events, map[string]string{"u1": "Alice"}, singleDay(t, monday), policy, nil)
			require.NoError(t, err)
			require.Len(t, records, 1)
			require.Equal(t, tt.want, records[0].Status)
		})
	}
}

func TestEnrichUnknownPunchCountsBothWays(t *testing.T) {
	events := []Event{
		{UserID: "u1", Timestamp: at(monday, 8, 0), Punch: PunchUnknown},
	}
	records, err := Enrich(events, map[string]string{"u1": ""}, singleDay(t, monday), testPolicy(), nil)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	// A single unknown punch sets both sides to the same instant.
	require.NotNil(t, rec.FirstIn)
	require.NotNil(t, rec.LastOut)
	require.Equal(t, *rec.FirstIn, *rec.LastOut)
	require.Zero(t, rec.TotalHours)
}

func TestEnrichOtherPunchIgnored(t *testing.T) {
	events := []Event{
		{UserID: "u1", Timestamp: at(monday, 12, 0), Punch: PunchOther},
	}
	records, err := Enrich(events, map[string]string{"u1": ""}, singleDay(t, monday), testPolicy(), nil)
	require.NoError(t, err)
	require.Equal(t, StatusAbsent, records[0].Status)
}

func TestEnrichWeekendAndOrdering(t *testing.T) {
	// 2025-01-03 is a Friday, a weekend day under the default policy.
	friday := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	r, err := NewRange(friday, friday.AddDate(0, 0, 3))
	require.NoError(t, err)

	users := map[string]string{"u2": "Bob", "u1": "Alice"}
	records, err := Enrich(nil, users, r, testPolicy(), nil)
	require.NoError(t, err)
	require.Len(t, records, 8)

	// Sorted by date then user id.
	require.Equal(t, "2025-01-03", records[0].Date)
	require.Equal(t, "u1", records[0].UserID)
	require.Equal(t, "u2", records[1].UserID)
	require.Equal(t, "2025-01-06", records[6].Date)

	require.Equal(t, StatusWeekend, records[0].Status) // Friday
	require.Equal(t, StatusWeekend, records[2].Status) // Saturday
	require.Equal(t, StatusAbsent, records[4].Status)  // Sunday works here
	require.False(t, records[0].IsWorkingDay)
	require.True(t, records[4].IsWorkingDay)
}

func TestEnrichHolidayUnionInsensitive(t *testing.T) {
	policy := testPolicy()
	policy.Holidays["2025-01-06"] = "Founders Day"

	base, err := Enrich(nil, map[string]string{"u1": ""}, singleDay(t, monday), policy, nil)
	require.NoError(t, err)
	require.Equal(t, StatusHoliday, base[0].Status)
	require.Equal(t, "Founders Day", base[0].HolidayName)

	// Passing the same date again, even duplicated, changes nothing.
	dup, err := Enrich(nil, map[string]string{"u1": ""}, singleDay(t, monday), policy, []time.Time{monday, monday})
	require.NoError(t, err)
	require.Equal(t, base, dup)
}

func TestEnrichRangeValidation(t *testing.T) {
	_, err := NewRange(monday, monday.AddDate(0, 0, -1))
	require.Error(t, err)

	_, err = NewRange(monday, monday.AddDate(0, 0, 371))
	require.Error(t, err)

	_, err = NewRange(monday, monday.AddDate(0, 0, 369))
	require.NoError(t, err)
}

func TestEnrichInvariants(t *testing.T) {
	events := []Event{
		{UserID: "u1", Timestamp: at(monday, 7, 55), Punch: PunchIn},
		{UserID: "u1", Timestamp: at(monday, 12, 0), Punch: PunchUnknown},
		{UserID: "u1", Timestamp: at(monday, 17, 5), Punch: PunchOut},
		{UserID: "u2", Timestamp: at(monday, 10, 0), Punch: PunchOut},
	}
	policy := testPolicy()
	policy.Holidays["2025-01-07"] = "Some Day"
	r, err := NewRange(monday, monday.AddDate(0, 0, 1))
	require.NoError(t, err)

	records, err := Enrich(events, map[string]string{"u1": "", "u2": "", "u3": ""}, r, policy, nil)
	require.NoError(t, err)
	require.Len(t, records, 6)
	for _, rec := range records {
		require.GreaterOrEqual(t, rec.TotalHours, 0.0)
		if rec.IsHoliday {
			require.Equal(t, StatusHoliday, rec.Status)
			require.False(t, rec.IsWorkingDay)
		}
		if rec.FirstIn != nil && rec.LastOut != nil {
			require.False(t, rec.LastOut.Before(*rec.FirstIn))
		}
	}
}

func TestTotalHoursRounding(t *testing.T) {
	start := at(monday, 8, 0)
	tests := []struct {
		seconds int64
		want    float64
	}{
		{32700, 9.08}, // 9h05m
		{3600, 1.00},
		{90, 0.02},  // 0.025 rounds half to even: 0.02
		{126, 0.04}, // 0.035 rounds half to even: 0.04
		{0, 0},
	}
	for _, tt := range tests {
		end := start.Add(time.Duration(tt.seconds) * time.Second)
		require.InDelta(t, tt.want, totalHours(&start, &end), 0.00001, "seconds=%v", tt.seconds)
	}
}

func TestEnrichCrossedPunchesNormalized(t *testing.T) {
	// A misreported punch kind can leave the only in after the only out.
	events := []Event{
		{UserID: "u1", Timestamp: at(monday, 8, 0), Punch: PunchOut, DeviceName: "gate"},
		{UserID: "u1", Timestamp: at(monday, 9, 0), Punch: PunchIn, DeviceName: "gate"},
	}
	records, err := Enrich(events, map[string]string{"u1": "Alice"}, singleDay(t, monday), testPolicy(), nil)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	require.NotNil(t, rec.FirstIn)
	require.NotNil(t, rec.LastOut)
	require.False(t, rec.FirstIn.After(*rec.LastOut))
	require.Equal(t, at(monday, 8, 0), *rec.FirstIn)
	require.Equal(t, at(monday, 9, 0), *rec.LastOut)
	require.InDelta(t, 1.0, rec.TotalHours, 0.0001)
}
