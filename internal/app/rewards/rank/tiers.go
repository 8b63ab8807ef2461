package rank

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dalemusser/uplinehub/internal/app/rewards/team"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	"github.com/shopspring/decimal"
	"go.yaml.in/yaml/v3"
)

// Rule names the team metric a tier is measured against.
type Rule string

const (
	// RuleDirectPaid counts direct referrals with a paid account.
	RuleDirectPaid Rule = "direct_paid"
	// RuleDirectPriorTier counts direct referrals whose rank is at least the
	// rank of the previous tier in the table.
	RuleDirectPriorTier Rule = "direct_prior_tier"
	// RuleTeamPaid counts paid members anywhere in the resolved team.
	RuleTeamPaid Rule = "team_paid"
)

func (r Rule) valid() bool {
	switch r {
	case RuleDirectPaid, RuleDirectPriorTier, RuleTeamPaid:
		return true
	}
	return false
}

// Tier is one row of the promotion table. Name is the grant-once key stored
// in the user's granted_tiers; it defaults to the rank name.
type Tier struct {
	Name      string
	Rank      models.Rank
	Rule      Rule
	Threshold int
	Bonus     decimal.Decimal
}

// Table is an ordered tier list, lowest rank first.
type Table []Tier

// DefaultTable is used when no tiers file is configured.
func DefaultTable() Table {
	return Table{
		{Name: "bronze", Rank: models.RankBronze, Rule: RuleDirectPaid, Threshold: 5, Bonus: decimal.NewFromInt(50)},
		{Name: "silver", Rank: models.RankSilver, Rule: RuleDirectPriorTier, Threshold: 3, Bonus: decimal.NewFromInt(200)},
		{Name: "gold", Rank: models.RankGold, Rule: RuleDirectPriorTier, Threshold: 3, Bonus: decimal.NewFromInt(500)},
		{Name: "platinum", Rank: models.RankPlatinum, Rule: RuleDirectPriorTier, Threshold: 3, Bonus: decimal.NewFromInt(1500)},
		{Name: "diamond", Rank: models.RankDiamond, Rule: RuleDirectPriorTier, Threshold: 3, Bonus: decimal.NewFromInt(5000)},
	}
}

// Validate checks ordering and values.
func (t Table) Validate() error {
	if len(t) == 0 {
		return errors.New("tier table is empty")
	}
	names := make(map[string]bool, len(t))
	prev := models.RankNone
	for i, tier := range t {
		where := fmt.Sprintf("tier %d (%s)", i+1, tier.Name)
		switch {
		case tier.Name == "":
			return fmt.Errorf("tier %d: name is required", i+1)
		case names[tier.Name]:
			return fmt.Errorf("%s: duplicate name", where)
		case !tier.Rank.Valid() || tier.Rank.Normalize() == models.RankNone:
			return fmt.Errorf("%s: invalid rank %q", where, tier.Rank)
		case !tier.Rank.Above(prev):
			return fmt.Errorf("%s: rank %s must be above %s", where, tier.Rank, prev)
		case !tier.Rule.valid():
			return fmt.Errorf("%s: unknown rule %q", where, tier.Rule)
		case tier.Threshold < 1:
			return fmt.Errorf("%s: threshold must be at least 1", where)
		case tier.Bonus.IsNegative():
			return fmt.Errorf("%s: bonus must not be negative", where)
		}
		names[tier.Name] = true
		prev = tier.Rank
	}
	return nil
}

// NeedsTeam reports whether any tier looks past direct referrals.
func (t Table) NeedsTeam() bool {
	for _, tier := range t {
		if tier.Rule == RuleTeamPaid {
			return true
		}
	}
	return false
}

// Highest returns the highest tier snap qualifies for.
func (t Table) Highest(snap *team.Snapshot) (Tier, bool) {
	for i := len(t) - 1; i >= 0; i-- {
		if t.qualifies(i, snap) {
			return t[i], true
		}
	}
	return Tier{}, false
}

func (t Table) qualifies(i int, snap *team.Snapshot) bool {
	tier := t[i]
	var n int
	switch tier.Rule {
	case RuleDirectPaid:
		n = snap.Level(1).PaidCount
	case RuleDirectPriorTier:
		prior := models.RankNone
		if i > 0 {
			prior = t[i-1].Rank
		}
		n = snap.DirectAtLeast(prior)
	case RuleTeamPaid:
		n = snap.PaidMembers
	}
	return n >= tier.Threshold
}

type tierFile struct {
	Tiers []struct {
		Name      string `yaml:"name"`
		Rank      string `yaml:"rank"`
		Rule      string `yaml:"rule"`
		Threshold int    `yaml:"threshold"`
		Bonus     string `yaml:"bonus"`
	} `yaml:"tiers"`
}

// Parse reads a YAML tier table:
//
//	tiers:
//	  - rank: bronze
//	    rule: direct_paid
//	    threshold: 5
//	    bonus: "50"
func Parse(r io.Reader) (Table, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f tierFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode tiers: %w", err)
	}

	t := make(Table, 0, len(f.Tiers))
	for i, row := range f.Tiers {
		rk, err := models.ParseRank(strings.ToLower(strings.TrimSpace(row.Rank)))
		if err != nil {
			return nil, fmt.Errorf("tier %d: %w", i+1, err)
		}
		bonus := decimal.Zero
		if s := strings.TrimSpace(row.Bonus); s != "" {
			if bonus, err = decimal.NewFromString(s); err != nil {
				return nil, fmt.Errorf("tier %d: bonus: %w", i+1, err)
			}
		}
		name := strings.TrimSpace(row.Name)
		if name == "" {
			name = string(rk)
		}
		t = append(t, Tier{
			Name:      name,
			Rank:      rk,
			Rule:      Rule(strings.TrimSpace(row.Rule)),
			Threshold: row.Threshold,
			Bonus:     bonus,
		})
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadFile parses the tier table at path. An empty path yields DefaultTable.
func LoadFile(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tiers file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}
