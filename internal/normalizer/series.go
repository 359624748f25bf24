package normalizer

import (
	"time"

	"github.com/tidwall/gjson"
)

// providerEpoch is minute zero of every provider timestamp.
var providerEpoch = time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC)

// noData marks an empty slot in a provider series.
const noData = -1

// ProviderTime converts provider minutes to wall time.
func ProviderTime(minutes int64) time.Time {
	return time.UnixMilli(providerEpoch.UnixMilli() + minutes*60000).UTC()
}

// ProviderMinutes is the inverse of ProviderTime, truncated to the minute.
func ProviderMinutes(t time.Time) int64 {
	return (t.UnixMilli() - providerEpoch.UnixMilli()) / 60000
}

type point struct {
	at    time.Time
	value int64
}

// parseSeries reads a flat [t0, v0, t1, v1, ...] array. Pairs with a
// non-numeric member or a negative value are dropped. A trailing unpaired
// element is ignored.
func parseSeries(arr gjson.Result) []point {
	if !arr.IsArray() {
		return nil
	}

	items := arr.Array()
	points := make([]point, 0, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		t, v := items[i], items[i+1]
		if t.Type != gjson.Number || v.Type != gjson.Number {
			continue
		}
		value := v.Int()
		if value == noData || value < 0 {
			continue
		}
		points = append(points, point{at: ProviderTime(t.Int()), value: value})
	}
	return points
}

// rawSeries keeps the series as provider integers for the history snapshot.
func rawSeries(arr gjson.Result) []int64 {
	if !arr.IsArray() {
		return nil
	}
	items := arr.Array()
	out := make([]int64, 0, len(items))
	for _, item := range items {
		if item.Type != gjson.Number {
			continue
		}
		out = append(out, item.Int())
	}
	return out
}

// latestPositive scans backward for the newest value above zero.
func latestPositive(points []point) (int64, bool) {
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].value > 0 {
			return points[i].value, true
		}
	}
	return 0, false
}

type windowStats struct {
	count         int
	avg, min, max float64
}

// statsSince summarizes prices (cents converted to currency) at or after
// cutoff. A zero cutoff includes every point.
func statsSince(points []point, cutoff time.Time) windowStats {
	var s windowStats
	var sum float64
	for _, p := range points {
		if !cutoff.IsZero() && p.at.Before(cutoff) {
			continue
		}
		price := centsToPrice(p.value)
		if s.count == 0 || price < s.min {
			s.min = price
		}
		if s.count == 0 || price > s.max {
			s.max = price
		}
		sum += price
		s.count++
	}
	if s.count > 0 {
		s.avg = sum / float64(s.count)
	}
	return s
}

func centsToPrice(cents int64) float64 {
	return float64(cents) / 100
}
