package domain

import "strings"

// SeekerCriteria selects seekers that plausibly fit a listing: same
// neighbourhood or city, and a price window overlapping [MinPrice, MaxPrice].
type SeekerCriteria struct {
	Location string
	City     string
	MinPrice float64
	MaxPrice float64
}

func (c SeekerCriteria) Matches(u User) bool {
	if u.Type != UserTypeSeeker {
		return false
	}
	p := u.Preferences
	place := sameText(p.Location, c.Location) || sameText(p.City, c.City)
	if !place {
		return false
	}
	return p.MinPrice <= c.MaxPrice && p.MaxPrice >= c.MinPrice
}

// PublicationCriteria filters listings. Zero-valued fields are ignored.
type PublicationCriteria struct {
	Location string   `query:"location"`
	City     string   `query:"city"`
	Country  string   `query:"country"`
	MinPrice float64  `query:"min_price"`
	MaxPrice float64  `query:"max_price"`
	RoomType RoomType `query:"room_type"`
}

func (c PublicationCriteria) Matches(p Publication) bool {
	if c.Location != "" && !containsFold(p.Location, c.Location) {
		return false
	}
	if c.City != "" && !containsFold(p.City, c.City) {
		return false
	}
	if c.Country != "" && !containsFold(p.Country, c.Country) {
		return false
	}
	if c.MinPrice > 0 && p.Price < c.MinPrice {
		return false
	}
	if c.MaxPrice > 0 && p.Price > c.MaxPrice {
		return false
	}
	if c.RoomType != "" && p.RoomType != c.RoomType {
		return false
	}
	return true
}

func sameText(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
