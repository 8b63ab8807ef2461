// Package team materializes a user's referral subtree level by level.
//
// Resolution is breadth-first over the descendant direction. Each level costs
// one batched ListByReferrers query (chunked for very wide levels), never one
// query per member. Snapshots are built fresh on every call and are not
// cached.
package team

import (
	"context"
	"fmt"

	"github.com/dalemusser/uplinehub/internal/app/rewards"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// MaxDepth is the deepest level a snapshot can describe.
const MaxDepth = 15

// DefaultBatchSize caps the number of ids sent in one $in query.
const DefaultBatchSize = 500

// Level aggregates the members found at one distance from the root.
type Level struct {
	Level      int                  `json:"level"`
	MemberIDs  []primitive.ObjectID `json:"member_ids"`
	Count      int                  `json:"count"`
	PaidCount  int                  `json:"paid_count"`
	RankCounts map[models.Rank]int  `json:"rank_counts"`
}

// Snapshot is a derived, point-in-time view of a user's team. Levels always
// has MaxLevel entries; levels past the bottom of the tree are zero.
type Snapshot struct {
	RootID       primitive.ObjectID `json:"root_id"`
	MaxLevel     int                `json:"max_level"`
	Levels       []Level            `json:"levels"`
	TotalMembers int                `json:"total_members"`
	PaidMembers  int                `json:"paid_members"`
	FreeMembers  int                `json:"free_members"`
	Depth        int                `json:"depth"` // deepest non-empty level
}

// Level returns level n (1-indexed). Out-of-range levels are empty.
func (s *Snapshot) Level(n int) Level {
	if n < 1 || n > len(s.Levels) {
		return Level{Level: n}
	}
	return s.Levels[n-1]
}

// DirectAtLeast counts direct referrals whose rank is r or higher.
func (s *Snapshot) DirectAtLeast(r models.Rank) int {
	n := 0
	for rank, c := range s.Level(1).RankCounts {
		if rank.AtLeast(r) {
			n += c
		}
	}
	return n
}

// Resolver builds Snapshots.
type Resolver struct {
	users      rewards.UserReader
	index      rewards.ReferralIndex
	defaultMax int
	batchSize  int
	log        *zap.Logger
}

// New returns a Resolver. defaultMax is used when Resolve is called with a
// non-positive maxLevel; it is clamped to MaxDepth.
func New(users rewards.UserReader, index rewards.ReferralIndex, defaultMax int, logger *zap.Logger) *Resolver {
	return &Resolver{
		users:      users,
		index:      index,
		defaultMax: clampDepth(defaultMax),
		batchSize:  DefaultBatchSize,
		log:        logger.Named("team.resolver"),
	}
}

// WithBatchSize overrides the $in chunk size.
func (r *Resolver) WithBatchSize(n int) *Resolver {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// Resolve expands the team of rootID down to maxLevel levels. It stops early
// when a level comes back empty. A member reachable twice (a corrupted
// cycle) is counted once, at its shallowest level.
func (r *Resolver) Resolve(ctx context.Context, rootID primitive.ObjectID, maxLevel int) (*Snapshot, error) {
	if maxLevel <= 0 {
		maxLevel = r.defaultMax
	}
	maxLevel = clampDepth(maxLevel)

	if _, err := r.users.GetByID(ctx, rootID); err != nil {
		return nil, fmt.Errorf("resolve team %s: %w", rootID.Hex(), err)
	}

	snap := &Snapshot{RootID: rootID, MaxLevel: maxLevel, Levels: make([]Level, maxLevel)}
	for i := range snap.Levels {
		snap.Levels[i] = Level{Level: i + 1, RankCounts: map[models.Rank]int{}}
	}

	seen := map[primitive.ObjectID]bool{rootID: true}
	frontier := []primitive.ObjectID{rootID}

	for depth := 1; depth <= maxLevel && len(frontier) > 0; depth++ {
		members, err := r.children(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("resolve team %s level %d: %w", rootID.Hex(), depth, err)
		}

		lvl := &snap.Levels[depth-1]
		next := make([]primitive.ObjectID, 0, len(members))
		for _, m := range members {
			if seen[m.ID] {
				r.log.Warn("referral cycle detected; member skipped",
					zap.String("root_id", rootID.Hex()),
					zap.String("member_id", m.ID.Hex()),
					zap.Int("level", depth))
				continue
			}
			seen[m.ID] = true
			next = append(next, m.ID)

			lvl.MemberIDs = append(lvl.MemberIDs, m.ID)
			lvl.Count++
			lvl.RankCounts[m.CurrentRank.Normalize()]++
			if m.IsPaid() {
				lvl.PaidCount++
				snap.PaidMembers++
			} else {
				snap.FreeMembers++
			}
		}
		if lvl.Count > 0 {
			snap.TotalMembers += lvl.Count
			snap.Depth = depth
		}
		frontier = next
	}
	return snap, nil
}

func (r *Resolver) children(ctx context.Context, parents []primitive.ObjectID) ([]models.User, error) {
	var out []models.User
	for start := 0; start < len(parents); start += r.batchSize {
		end := min(start+r.batchSize, len(parents))
		batch, err := r.index.ListByReferrers(ctx, parents[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func clampDepth(n int) int {
	if n <= 0 || n > MaxDepth {
		return MaxDepth
	}
	return n
}
