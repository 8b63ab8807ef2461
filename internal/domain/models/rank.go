// internal/domain/models/rank.go
package models

import "fmt"

// Rank is an ordered achievement tier.
type Rank string

const (
	RankNone     Rank = "none"
	RankBronze   Rank = "bronze"
	RankSilver   Rank = "silver"
	RankGold     Rank = "gold"
	RankPlatinum Rank = "platinum"
	RankDiamond  Rank = "diamond"
)

// Ranks lists every rank in ascending order.
var Ranks = []Rank{RankNone, RankBronze, RankSilver, RankGold, RankPlatinum, RankDiamond}

var rankOrder = func() map[Rank]int {
	m := make(map[Rank]int, len(Ranks))
	for i, r := range Ranks {
		m[r] = i
	}
	return m
}()

// Valid reports whether r is a known rank. The empty string is accepted and
// means RankNone (documents written before rank tracking).
func (r Rank) Valid() bool {
	if r == "" {
		return true
	}
	_, ok := rankOrder[r]
	return ok
}

// Ordinal returns the position of r in Ranks. Unknown ranks sort below none.
func (r Rank) Ordinal() int {
	if r == "" {
		return 0
	}
	if o, ok := rankOrder[r]; ok {
		return o
	}
	return -1
}

// AtLeast reports whether r is the same as or above o.
func (r Rank) AtLeast(o Rank) bool { return r.Ordinal() >= o.Ordinal() }

// Above reports whether r is strictly above o.
func (r Rank) Above(o Rank) bool { return r.Ordinal() > o.Ordinal() }

// Normalize maps the empty rank to RankNone.
func (r Rank) Normalize() Rank {
	if r == "" {
		return RankNone
	}
	return r
}

// ParseRank parses a rank name.
func ParseRank(s string) (Rank, error) {
	r := Rank(s)
	if s == "" || !r.Valid() {
		return "", fmt.Errorf("unknown rank %q", s)
	}
	return r, nil
}
