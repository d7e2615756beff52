// Package features implements the deterministic, pure mapping from one
// session record to a fixed-length numeric feature vector, per spec.md
// §4.C5. This is the "v3-base" feature set from original_source — seven
// features, no moving-average context — matching the surviving variant
// named in spec.md §9's open questions; the ninth/moving-average input some
// original_source variants computed via get_recent_sessions_before is
// deliberately not reintroduced.
package features

import (
	"math"

	"github.com/cattlefeed/ingest/internal/domain"
)

// Count is the fixed length of the feature vector.
const Count = 7

// Extract maps a finalized session to its feature vector, in the order
// mandated by spec.md §4.C5:
//  1. duration minutes
//  2. total consumption
//  3. rate per minute
//  4. sin(2π · hour-of-start / 24)
//  5. cos(2π · hour-of-start / 24)
//  6. day-of-week index (0..6)
//  7. mean temperature
func Extract(sess domain.Session) [Count]float64 {
	durationSec := sess.End.Sub(sess.Start).Seconds()
	durationMin := durationSec / 60.0
	consumption := sess.WeightStart - sess.WeightEnd

	var ratePerMin float64
	if durationSec > 0 {
		ratePerMin = (consumption / durationSec) * 60
	}

	hour := float64(sess.Start.Hour())
	hourSin := math.Sin(2 * math.Pi * hour / 24.0)
	hourCos := math.Cos(2 * math.Pi * hour / 24.0)

	dayOfWeek := float64(int(sess.Start.Weekday()))

	var vec [Count]float64
	vec[0] = sanitize(durationMin)
	vec[1] = sanitize(consumption)
	vec[2] = sanitize(ratePerMin)
	vec[3] = sanitize(hourSin)
	vec[4] = sanitize(hourCos)
	vec[5] = sanitize(dayOfWeek)
	vec[6] = sanitize(sess.MeanTemp)
	return vec
}

// sanitize maps NaN and Inf to 0, per spec.md §4.C5 and the purity property
// in §8.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
