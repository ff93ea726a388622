package abuse

import "time"

// FailedAttempt is an append-only record of an action that failed validation.
type FailedAttempt struct {
	ID                  uint    `gorm:"primaryKey"`
	PrimaryIdentifier   string  `gorm:"index;not null"`
	SecondaryIdentifier *string `gorm:"index"`
	UserAgent           *string
	ActionKind          string    `gorm:"index;not null"`
	OccurredAt          time.Time `gorm:"index;not null"`
}

// BlacklistEntry blocks an identifier until ExpiresAt, or forever when
// ExpiresAt is nil.
type BlacklistEntry struct {
	ID         uint   `gorm:"primaryKey"`
	Identifier string `gorm:"uniqueIndex;not null"`
	Reason     string
	CreatedAt  time.Time
	ExpiresAt  *time.Time `gorm:"index"`
}

// Permanent reports whether the entry never expires.
func (e BlacklistEntry) Permanent() bool {
	return e.ExpiresAt == nil
}

// ActiveAt reports whether the entry blocks at the given instant.
func (e BlacklistEntry) ActiveAt(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// UsedChallengeToken remembers challenge tokens that already verified, keyed
// by their salted hash.
type UsedChallengeToken struct {
	ID        uint      `gorm:"primaryKey"`
	TokenHash string    `gorm:"uniqueIndex;not null"`
	SeenAt    time.Time `gorm:"index"`
}

// Models lists every table owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&FailedAttempt{}, &BlacklistEntry{}, &UsedChallengeToken{}}
}
