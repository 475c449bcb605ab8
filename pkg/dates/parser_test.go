package dates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParse(t *testing.T) {
	cases := []struct {
		order Order
		raw   string
		want  time.Time
	}{
		{YMD, "1980-01-15", day(1980, 1, 15)},
		{DMY, "15/01/1980", day(1980, 1, 15)},
		{MDY, "01/15/1980", day(1980, 1, 15)},
		{DMY, "01/02/1980", day(1980, 2, 1)},
		{MDY, "01/02/1980", day(1980, 1, 2)},
		{YMD, "01-02-03", day(2001, 2, 3)},
		{DMY, "01-02-03", day(2003, 2, 1)},
		{MDY, "01-02-03", day(2003, 1, 2)},
		{YMD, "80-01-15", day(1980, 1, 15)},
		{YMD, "19800115", day(1980, 1, 15)},
		{YMD, "800115", day(1980, 1, 15)},
		{DMY, "15 Jan 1980", day(1980, 1, 15)},
		{YMD, "January 15, 1980", day(1980, 1, 15)},
		{YMD, "1980-Jan-15", day(1980, 1, 15)},
		{DMY, "15th of January 1980", day(1980, 1, 15)},
		{YMD, "1980-01-15 10:30:00", day(1980, 1, 15)},
		{YMD, "1980-01-15T10:30:00Z", day(1980, 1, 15)},
		{DMY, "Tue, 15.01.1980", day(1980, 1, 15)},
		{YMD, "1980", day(1980, 1, 1)},
		{YMD, "Jan 1980", day(1980, 1, 1)},
	}
	for _, tc := range cases {
		t.Run(string(tc.order)+" "+tc.raw, func(t *testing.T) {
			got, err := NewParser(tc.order, WithReferenceYear(2021)).Parse(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRejects(t *testing.T) {
	p := NewParser(YMD, WithReferenceYear(2021))
	for _, raw := range []string{"", "   ", "not a date", "1980-02-30", "1980-13-01", "15/01", "Jan", "1-2-3-4"} {
		_, err := p.Parse(raw)
		assert.ErrorIs(t, err, ErrUnparseable, raw)
	}
}

func TestTwoDigitYearsFollowReferenceYear(t *testing.T) {
	p := NewParser(YMD, WithReferenceYear(2021))

	got, err := p.Parse("75-06-01")
	require.NoError(t, err)
	assert.Equal(t, 1975, got.Year())

	got, err = p.Parse("70-06-01")
	require.NoError(t, err)
	assert.Equal(t, 2070, got.Year())
}

func TestComponentsRoundTrip(t *testing.T) {
	parts := map[Component]string{Year: "1980", Month: "01", Day: "15"}
	for _, order := range []Order{YMD, DMY, MDY} {
		var raw []string
		for _, c := range order.Components() {
			raw = append(raw, parts[c])
		}
		got, err := NewParser(order).Parse(raw[0] + "-" + raw[1] + "-" + raw[2])
		require.NoError(t, err)
		assert.Equal(t, day(1980, 1, 15), got, order)
	}
}

func TestParseOrder(t *testing.T) {
	o, err := ParseOrder("dmy")
	require.NoError(t, err)
	assert.Equal(t, DMY, o)

	o, err = ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, YMD, o)

	_, err = ParseOrder("YDM")
	assert.ErrorIs(t, err, ErrUnknownOrder)

	yearFirst, dayFirst := DMY.Flags()
	assert.False(t, yearFirst)
	assert.True(t, dayFirst)
}

func TestAmbiguousYears(t *testing.T) {
	assert.True(t, AmbiguousYears([]string{"75-01-01", "1/2/03"}))
	assert.False(t, AmbiguousYears([]string{"75-01-01", "1975-01-01"}))
	assert.False(t, AmbiguousYears(nil))
}
