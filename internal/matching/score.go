package matching

import (
	"math"
	"strings"
	"time"

	"roomie_match/internal/domain"
)

// Criterion weights. They sum to 1.
const (
	WeightPrice        = 0.30
	WeightLocation     = 0.25
	WeightHabits       = 0.20
	WeightRoomType     = 0.15
	WeightAvailability = 0.10

	// sameCityCredit is awarded when the city matches but the neighbourhood does not.
	sameCityCredit = 0.15
)

// ScoreFunc rates how well publication p suits user u at time now, in [0,1].
type ScoreFunc func(u domain.User, p domain.Publication, now time.Time) float64

// Breakdown holds the weighted contribution of every criterion.
type Breakdown struct {
	Price        float64 `json:"price"`
	Location     float64 `json:"location"`
	Habits       float64 `json:"habits"`
	RoomType     float64 `json:"room_type"`
	Availability float64 `json:"availability"`
}

// Total normalizes the weighted sum by the weights evaluated. Every criterion
// is always evaluated, so the divisor is 1.
func (b Breakdown) Total() float64 {
	sum := b.Price + b.Location + b.Habits + b.RoomType + b.Availability
	weights := WeightPrice + WeightLocation + WeightHabits + WeightRoomType + WeightAvailability
	return clamp01(sum / weights)
}

func Score(u domain.User, p domain.Publication, now time.Time) float64 {
	return Evaluate(u, p, now).Total()
}

func Evaluate(u domain.User, p domain.Publication, now time.Time) Breakdown {
	prefs := u.Preferences
	b := Breakdown{
		Price:    WeightPrice * PriceFit(prefs.MinPrice, prefs.MaxPrice, p.Price),
		Location: locationCredit(prefs, p),
		Habits:   WeightHabits * HabitCompatibility(prefs, p),
	}
	// Single rooms are assumed preferred; the user's own room preference is not consulted.
	if p.RoomType == domain.RoomSingle {
		b.RoomType = WeightRoomType
	}
	if !p.AvailableFrom.After(now) {
		b.Availability = WeightAvailability
	}
	return b
}

// PriceFit is 1 at the midpoint of [min, max], falls linearly to 0 at the
// edges and is 0 outside the window. Inverted windows score 0.
func PriceFit(min, max, price float64) float64 {
	if max < min || price < min || price > max {
		return 0
	}
	half := (max - min) / 2
	if half == 0 {
		return 1
	}
	mid := min + half
	return clamp01(1 - math.Abs(price-mid)/half)
}

func locationCredit(prefs domain.Preferences, p domain.Publication) float64 {
	switch {
	case equalPlace(prefs.Location, p.Location):
		return WeightLocation
	case equalPlace(prefs.City, p.City):
		return sameCityCredit
	default:
		return 0
	}
}

// HabitCompatibility averages the smoking and pet checks. Smoking agrees only
// when the listing forbids smoking and the user does not smoke; pets agree
// when the listing's pet policy equals the user's pet ownership.
func HabitCompatibility(prefs domain.Preferences, p domain.Publication) float64 {
	var agreed float64
	if p.HasRule(domain.RuleNoSmoking) && !prefs.Smoking {
		agreed++
	}
	if p.HasRule(domain.RulePetsAllowed) == prefs.Pets {
		agreed++
	}
	return agreed / 2
}

func equalPlace(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
