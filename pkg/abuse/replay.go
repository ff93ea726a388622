package abuse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/bouncer/pkg/auth"
	"gorm.io/gorm"
)

var ErrChallengeReplayed = errors.New("challenge token already used")

// ReplayGuard provides persistent single-use enforcement for challenge
// tokens. Tokens are stored as salted hashes only.
type ReplayGuard struct {
	db     *gorm.DB
	hasher auth.TokenHasher
	window time.Duration
}

func NewReplayGuard(db *gorm.DB, hasher auth.TokenHasher, window time.Duration) *ReplayGuard {
	if window <= 0 {
		window = RecordRetention
	}
	return &ReplayGuard{db: db, hasher: hasher, window: window}
}

// Seen reports whether token was remembered and has not been pruned.
func (g *ReplayGuard) Seen(ctx context.Context, token string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&UsedChallengeToken{}).
		Where("token_hash = ?", g.hasher.HashString(token)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("challenge replay lookup: %w", err)
	}
	return count > 0, nil
}

// Remember stores token, returning ErrChallengeReplayed if it is already present.
func (g *ReplayGuard) Remember(ctx context.Context, token string, now time.Time) error {
	record := UsedChallengeToken{TokenHash: g.hasher.HashString(token), SeenAt: now.UTC()}
	if err := g.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrChallengeReplayed
		}
		return fmt.Errorf("remember challenge token: %w", err)
	}
	return nil
}

// Prune deletes tokens seen more than the guard window before now.
func (g *ReplayGuard) Prune(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().Add(-g.window)
	res := g.db.WithContext(ctx).Where("seen_at < ?", cutoff).Delete(&UsedChallengeToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune challenge tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}
