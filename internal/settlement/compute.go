package settlement

import (
	"math"
	"time"

	"github.com/example/agrilink/internal/models"
)

// Breakdown is the cost decomposition of one settled delivery.
type Breakdown struct {
	BaseAmount      float64
	SurgeMultiplier float64
	SurgeAmount     float64
	DurationMinutes *int
	TimeAmount      float64
	TipAmount       float64
	FinalAmount     float64
}

// round2 rounds half-up to two decimals; the epsilon keeps values sitting on
// a .005 boundary from rounding down after float representation error.
func round2(v float64) float64 {
	return math.Round((v+1e-9)*100) / 100
}

// Compute derives the earnings breakdown for a delivery. perMinuteRate is
// the configured duration rate (0 disables the time component); now supplies
// the local time used for the time-of-day surge fallback.
func Compute(d *models.Delivery, perMinuteRate float64, now time.Time) Breakdown {
	var b Breakdown

	if d.TotalCost != nil && *d.TotalCost > 0 {
		b.BaseAmount = round2(*d.TotalCost)
	} else {
		b.BaseAmount = round2(d.DistanceKm * d.RatePerKm)
	}

	b.SurgeMultiplier = d.SurgeMultiplier
	if b.SurgeMultiplier <= 0 {
		b.SurgeMultiplier = surgeForHour(now.Hour())
	}
	b.SurgeAmount = round2(b.BaseAmount * (b.SurgeMultiplier - 1))

	if d.PickupTime != nil && d.DeliveryTime != nil {
		minutes := int(d.DeliveryTime.Sub(*d.PickupTime).Minutes())
		if minutes < 0 {
			minutes = 0
		}
		b.DurationMinutes = &minutes
		b.TimeAmount = round2(float64(minutes) * perMinuteRate)
	}

	b.TipAmount = round2(d.Tip)
	b.FinalAmount = round2(b.BaseAmount + b.SurgeAmount + b.TimeAmount + b.TipAmount)
	return b
}

// surgeForHour applies peak pricing during the 06:00-09:00 and 17:00-20:00
// local windows, hour inclusive on both ends.
func surgeForHour(hour int) float64 {
	if (hour >= 6 && hour <= 9) || (hour >= 17 && hour <= 20) {
		return 1.2
	}
	return 1.0
}
