package transformer

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeQuality(t *testing.T) {
	tests := []struct {
		name   string
		status uint32
		want   Quality
	}{
		{"no flags", 0, Good},
		{"low bet uda", FlagLowBetterUDA, Good},
		{"alarms only", FlagHiAlarm | FlagLoAlarm, Good},
		{"sensor", FlagSensor, Bad},
		{"timeout", FlagTimeout, NoData},
		{"manual", FlagManual, Substituted},
		{"out of range", FlagOutOfRange, Questionable},
		{"scan off", FlagScanOff, Uncertain},
		{"unknown bit", 0x8000, Uncertain},
		{"uda and sensor", 8192 | 2, Bad},
		{"manual and timeout", FlagManual | FlagTimeout, NoData},
		{"range and unreliable", FlagOutOfRange | FlagUnreliable, Questionable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeQuality(tt.status))
		})
	}
}

func TestDecodeQualityDeterministic(t *testing.T) {
	first := DecodeQuality(8192 | 2)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, DecodeQuality(8192|2))
	}
	assert.Equal(t, Bad, first)
}

func TestToCanonical(t *testing.T) {
	raw := []RawSample{
		{Timestamp: 1735689600, Value: 10.1, Status: 0},
		{Timestamp: 1735689900, Value: 10.2, Status: FlagSensor},
	}

	got := ToCanonical(raw)
	require.Len(t, got, 2)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), got[0].Timestamp)
	assert.Equal(t, 10.1, got[0].Value)
	assert.Equal(t, Good, got[0].Quality)
	assert.Equal(t, Bad, got[1].Quality)
}

func TestApplyUnitConversionDoesNotMutate(t *testing.T) {
	in := []Sample{{Value: 24, Quality: Good}, {Value: 36, Quality: Good}}

	out := ApplyUnitConversion(in, func(v float64) float64 { return v / 12 })

	assert.Equal(t, []float64{24, 36}, []float64{in[0].Value, in[1].Value})
	assert.Equal(t, []float64{2, 3}, []float64{out[0].Value, out[1].Value})
}

func TestApplyUnitConversionNonFinite(t *testing.T) {
	in := []Sample{{Value: 0, Quality: Good}, {Value: 1, Quality: Good}}

	out := ApplyUnitConversion(in, func(v float64) float64 { return 1 / v })

	assert.Equal(t, Bad, out[0].Quality)
	assert.True(t, math.IsInf(out[0].Value, 1))
	assert.Equal(t, Good, out[1].Quality)
}

func TestApplyUnitConversionNil(t *testing.T) {
	in := []Sample{{Value: 5}}
	out := ApplyUnitConversion(in, nil)
	assert.Equal(t, in, out)
}

func TestFilterByQuality(t *testing.T) {
	samples := []Sample{
		{Value: 1, Quality: Good},
		{Value: 2, Quality: Substituted},
		{Value: 3, Quality: Bad},
		{Value: 4, Quality: Good},
	}

	good := FilterByQuality(samples, NewQualitySet(Good))
	assert.Equal(t, []Sample{samples[0], samples[3]}, good)

	all := FilterByQuality(samples, nil)
	assert.Equal(t, samples, all)

	none := FilterByQuality(samples, NewQualitySet())
	assert.Empty(t, none)
}

func TestParseQualitySet(t *testing.T) {
	set, err := ParseQualitySet([]string{"good", "SUBSTITUTED"})
	require.NoError(t, err)
	assert.True(t, set.Contains(Good))
	assert.True(t, set.Contains(Substituted))
	assert.False(t, set.Contains(Bad))

	all, err := ParseQualitySet([]string{"ALL"})
	require.NoError(t, err)
	assert.Nil(t, all)
	assert.True(t, all.Contains(Bad))

	_, err = ParseQualitySet([]string{"EXCELLENT"})
	assert.Error(t, err)
}

func TestQualityString(t *testing.T) {
	assert.Equal(t, "NO_DATA", NoData.String())
	q, err := ParseQuality("no_data")
	require.NoError(t, err)
	assert.Equal(t, NoData, q)
}

func TestDropNonFinite(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	in := []Sample{
		{Timestamp: t0, Value: 1, Quality: Good},
		{Timestamp: t0.Add(time.Minute), Value: math.NaN(), Quality: Bad},
		{Timestamp: t0.Add(2 * time.Minute), Value: math.Inf(-1), Quality: Bad},
	}

	out := DropNonFinite(in)
	require.Len(t, out, 1)
	assert.Equal(t, 1.0, out[0].Value)
	assert.Len(t, in, 3)
}
