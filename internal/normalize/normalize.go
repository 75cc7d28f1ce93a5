// Package normalize turns provider glucose items into canonical readings.
//
// Provider timestamps carry no zone. FactoryTimestamp is UTC and is used when present.
// Timestamp is wall-clock time at a fixed offset from UTC, configured per deployment;
// its epoch form encodes that same wall clock, so the offset is taken off it as well.
package normalize

import (
	"strconv"
	"strings"
	"time"

	"libresync/internal/domain"

	"github.com/pkg/errors"
)

var timestampLayouts = []string{
	"1/2/2006 3:04:05 PM",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

var trendNames = map[string]domain.Trend{
	"singledown":    domain.TrendSingleDown,
	"fortyfivedown": domain.TrendFortyFiveDown,
	"flat":          domain.TrendFlat,
	"fortyfiveup":   domain.TrendFortyFiveUp,
	"singleup":      domain.TrendSingleUp,
	"notcomputable": domain.TrendNotComputable,
}

type Options struct {
	// Offset is how far provider wall-clock time is ahead of UTC.
	Offset time.Duration
	// Range classifies readings without high/low flags. Zero bounds are ignored.
	Range Range
}

// Range holds the target thresholds of the active connection.
type Range struct {
	Low  float64
	High float64
}

// RangeOf returns the target range of a connection.
func RangeOf(c domain.Connection) Range {
	return Range{Low: c.TargetLow, High: c.TargetHigh}
}

type Normalizer struct {
	offset time.Duration
	zone   *time.Location
	rng    Range
}

func New(opts Options) *Normalizer {
	return &Normalizer{
		offset: opts.Offset,
		zone:   time.FixedZone("provider", int(opts.Offset/time.Second)),
		rng:    opts.Range,
	}
}

// WithRange returns a copy of n classifying against r.
func (n *Normalizer) WithRange(r Range) *Normalizer {
	cp := *n
	cp.rng = r
	return &cp
}

// Current normalizes a single item.
func (n *Normalizer) Current(raw domain.RawReading) (domain.Reading, error) {
	ts, err := n.timestamp(raw)
	if err != nil {
		return domain.Reading{}, err
	}

	value, ok := rawValue(raw)
	if !ok {
		return domain.Reading{}, errors.New("glucose item carries no value")
	}

	r := domain.Reading{
		Value:     value,
		Trend:     Trend(raw.TrendArrow),
		Timestamp: ts,
	}

	if raw.IsHigh != nil {
		r.IsHigh = *raw.IsHigh
	} else {
		r.IsHigh = n.rng.High > 0 && value > n.rng.High
	}
	if raw.IsLow != nil {
		r.IsLow = *raw.IsLow
	} else {
		r.IsLow = n.rng.Low > 0 && value < n.rng.Low
	}

	return r, nil
}

// History normalizes items in order. The first failing item aborts the batch.
func (n *Normalizer) History(raws []domain.RawReading) ([]domain.Reading, error) {
	readings := make([]domain.Reading, 0, len(raws))
	for i, raw := range raws {
		r, err := n.Current(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "history item %d", i)
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// Trend maps a provider trend code. Anything unknown is not computable.
func Trend(code domain.TrendCode) domain.Trend {
	if code.Index != nil {
		i := *code.Index
		if i >= 0 && i < len(domain.TrendScale) {
			return domain.TrendScale[i]
		}
		return domain.TrendNotComputable
	}

	key := strings.ToLower(strings.NewReplacer("_", "", " ", "", "-", "").Replace(code.Name))
	if t, ok := trendNames[key]; ok {
		return t
	}
	return domain.TrendNotComputable
}

func (n *Normalizer) timestamp(raw domain.RawReading) (time.Time, error) {
	if s := strings.TrimSpace(raw.FactoryTimestamp); s != "" {
		return parseTimestamp(s, time.UTC, 0)
	}
	if s := strings.TrimSpace(raw.Timestamp); s != "" {
		return parseTimestamp(s, n.zone, n.offset)
	}
	return time.Time{}, errors.New("glucose item carries no timestamp")
}

// parseTimestamp reads s as wall-clock time in loc, which is offset ahead of UTC.
func parseTimestamp(s string, loc *time.Location, offset time.Duration) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).Add(-offset).UTC(), nil
	}

	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized timestamp %q", s)
}

func rawValue(raw domain.RawReading) (float64, bool) {
	switch {
	case raw.ValueInMgPerDl != nil:
		return *raw.ValueInMgPerDl, true
	case raw.Value != nil:
		return *raw.Value, true
	default:
		return 0, false
	}
}
