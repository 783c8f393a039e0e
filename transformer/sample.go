package transformer

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Quality is the canonical quality of a sample
type Quality int

// Qualities in increasing order of severity. DecodeQuality relies on this
// order: when several flags are set, the most severe quality wins.
const (
	Good Quality = iota
	Uncertain
	Questionable
	Substituted
	NoData
	Bad
)

var qualityNames = map[Quality]string{
	Good:         "GOOD",
	Uncertain:    "UNCERTAIN",
	Questionable: "QUESTIONABLE",
	Substituted:  "SUBSTITUTED",
	NoData:       "NO_DATA",
	Bad:          "BAD",
}

func (q Quality) String() string {
	if name, ok := qualityNames[q]; ok {
		return name
	}
	return fmt.Sprintf("Quality(%d)", int(q))
}

// MarshalText implements encoding.TextMarshaler
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (q *Quality) UnmarshalText(text []byte) error {
	parsed, err := ParseQuality(string(text))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// ParseQuality parses a quality name such as "GOOD" or "no_data"
func ParseQuality(s string) (Quality, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for q, n := range qualityNames {
		if n == name {
			return q, nil
		}
	}
	return Bad, fmt.Errorf("unknown quality %q", s)
}

// EDS alarm/status flags
const (
	FlagTimeout      uint32 = 0x0001
	FlagSensor       uint32 = 0x0002
	FlagHiAlarm      uint32 = 0x0004
	FlagLoAlarm      uint32 = 0x0008
	FlagOutOfRange   uint32 = 0x0010
	FlagManual       uint32 = 0x0020
	FlagScanOff      uint32 = 0x0040
	FlagUnreliable   uint32 = 0x0080
	FlagCalculated   uint32 = 0x0100
	FlagLowBetterUDA uint32 = 0x2000
)

// flagQuality maps every known flag to the quality it implies. Process alarms
// and LOW_BET_UDA do not affect the value itself and map to Good.
var flagQuality = map[uint32]Quality{
	FlagTimeout:      NoData,
	FlagSensor:       Bad,
	FlagHiAlarm:      Good,
	FlagLoAlarm:      Good,
	FlagOutOfRange:   Questionable,
	FlagManual:       Substituted,
	FlagScanOff:      Uncertain,
	FlagUnreliable:   Uncertain,
	FlagCalculated:   Substituted,
	FlagLowBetterUDA: Good,
}

// DecodeQuality reduces a status bitmask to one quality: the most severe
// quality implied by any set flag. Unknown flags imply Uncertain.
func DecodeQuality(status uint32) Quality {
	q := Good
	for bit := uint32(1); bit != 0; bit <<= 1 {
		if status&bit == 0 {
			continue
		}
		fq, ok := flagQuality[bit]
		if !ok {
			fq = Uncertain
		}
		if fq > q {
			q = fq
		}
	}
	return q
}

// RawSample is one trend value as reported by the source
type RawSample struct {
	// Timestamp in unix seconds
	Timestamp int64
	Value     float64
	Status    uint32
}

// Sample is the canonical form of a point value
type Sample struct {
	Timestamp time.Time `json:"ts"`
	Value     float64   `json:"value"`
	Quality   Quality   `json:"quality"`
}

// ToCanonical converts raw source samples
func ToCanonical(raw []RawSample) []Sample {
	out := make([]Sample, 0, len(raw))
	for _, r := range raw {
		out = append(out, Sample{
			Timestamp: time.Unix(r.Timestamp, 0).UTC(),
			Value:     r.Value,
			Quality:   DecodeQuality(r.Status),
		})
	}
	return out
}

// ConversionFunc converts a value between units
type ConversionFunc func(float64) float64

// ApplyUnitConversion returns a converted copy of samples. Samples whose
// converted value is NaN or infinite are marked Bad.
func ApplyUnitConversion(samples []Sample, fn ConversionFunc) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	if fn == nil {
		return out
	}

	for i := range out {
		v := fn(out[i].Value)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[i].Quality = Bad
		}
		out[i].Value = v
	}
	return out
}

// QualitySet is the set of qualities a stream accepts.
// A nil set accepts every quality.
type QualitySet map[Quality]struct{}

// NewQualitySet returns a set of qs
func NewQualitySet(qs ...Quality) QualitySet {
	set := make(QualitySet, len(qs))
	for _, q := range qs {
		set[q] = struct{}{}
	}
	return set
}

// ParseQualitySet parses quality names; "ALL" yields the nil set
func ParseQualitySet(names []string) (QualitySet, error) {
	set := make(QualitySet, len(names))
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), "ALL") {
			return nil, nil
		}
		q, err := ParseQuality(name)
		if err != nil {
			return nil, err
		}
		set[q] = struct{}{}
	}
	return set, nil
}

// Contains reports whether q is accepted
func (s QualitySet) Contains(q Quality) bool {
	if s == nil {
		return true
	}
	_, ok := s[q]
	return ok
}

// FilterByQuality returns the samples whose quality is in allowed
func FilterByQuality(samples []Sample, allowed QualitySet) []Sample {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if allowed.Contains(s.Quality) {
			out = append(out, s)
		}
	}
	return out
}

// DropNonFinite returns the samples whose value is neither NaN nor infinite
func DropNonFinite(samples []Sample) []Sample {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		out = append(out, s)
	}
	return out
}
