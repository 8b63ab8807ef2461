package models_test

import (
	"testing"

	"github.com/dalemusser/uplinehub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestRank_Ordering(t *testing.T) {
	tests := []struct {
		a, b  models.Rank
		above bool
	}{
		{models.RankBronze, models.RankNone, true},
		{models.RankNone, models.RankBronze, false},
		{models.RankDiamond, models.RankPlatinum, true},
		{models.RankSilver, models.RankSilver, false},
		{"", models.RankNone, false},
	}
	for _, tt := range tests {
		if got := tt.a.Above(tt.b); got != tt.above {
			t.Errorf("%q.Above(%q) = %v, want %v", tt.a, tt.b, got, tt.above)
		}
	}
	if !models.Rank("").AtLeast(models.RankNone) {
		t.Error("empty rank should count as none")
	}
}

func TestParseRank(t *testing.T) {
	if _, err := models.ParseRank("gold"); err != nil {
		t.Errorf("ParseRank(gold): %v", err)
	}
	if _, err := models.ParseRank("mithril"); err == nil {
		t.Error("expected error for unknown rank")
	}
	if _, err := models.ParseRank(""); err == nil {
		t.Error("expected error for empty rank")
	}
}

func TestUser_Validate(t *testing.T) {
	id := primitive.NewObjectID()
	ok := models.User{ID: id, AccountClass: models.AccountPaid, CurrentRank: models.RankNone}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	self := ok
	self.ReferrerID = &id
	if err := self.Validate(); err == nil {
		t.Error("expected error for self-referral")
	}

	badClass := ok
	badClass.AccountClass = "vip"
	if err := badClass.Validate(); err == nil {
		t.Error("expected error for unknown account class")
	}

	badRank := ok
	badRank.CurrentRank = "mithril"
	if err := badRank.Validate(); err == nil {
		t.Error("expected error for unknown rank")
	}
}
