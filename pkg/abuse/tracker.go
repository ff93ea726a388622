package abuse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// ChallengeWindow is how far back failed attempts count toward a challenge.
	ChallengeWindow = time.Hour
	// ChallengeThreshold is the number of recent failures that requires a challenge.
	ChallengeThreshold = 3
	// RecordRetention bounds how long failed attempts are kept.
	RecordRetention = 24 * time.Hour

	challengeLookback = 5
)

var ErrEmptyIdentifier = errors.New("identifier is required")

// Standing is an identifier's position in the escalation ladder.
type Standing string

const (
	StandingClean             Standing = "clean"
	StandingChallengeRequired Standing = "challenge_required"
	StandingBlacklisted       Standing = "blacklisted"
)

// ChallengeVerifier asks an external service whether a human-verification
// token is valid.
type ChallengeVerifier interface {
	Verify(ctx context.Context, token, remoteAddr string) (bool, error)
}

type TrackerOption func(*Tracker)

func WithVerifier(v ChallengeVerifier) TrackerOption {
	return func(t *Tracker) { t.verifier = v }
}

func WithReplayGuard(g *ReplayGuard) TrackerOption {
	return func(t *Tracker) { t.replay = g }
}

func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

func WithTrackerLogger(logger zerolog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logger }
}

// WithVerificationHook observes the outcome of every VerifyChallenge call.
func WithVerificationHook(hook func(ok bool)) TrackerOption {
	return func(t *Tracker) { t.onVerify = hook }
}

// Tracker records failed attempts, decides when a challenge is required and
// maintains the blacklist. Persistence errors are returned to the caller;
// challenge verification errors resolve to false.
type Tracker struct {
	db       *gorm.DB
	verifier ChallengeVerifier
	replay   *ReplayGuard
	now      func() time.Time
	logger   zerolog.Logger
	onVerify func(ok bool)
}

func NewTracker(db *gorm.DB, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		db:     db,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) clock() time.Time {
	return t.now().UTC()
}

// Lookup returns the blacklist entry currently blocking identifier, or nil.
func (t *Tracker) Lookup(ctx context.Context, identifier string) (*BlacklistEntry, error) {
	if identifier == "" {
		return nil, ErrEmptyIdentifier
	}
	var entries []BlacklistEntry
	err := t.db.WithContext(ctx).
		Where("identifier = ?", identifier).
		Where("(expires_at IS NULL OR expires_at > ?)", t.clock()).
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("lookup blacklist: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (t *Tracker) IsBlacklisted(ctx context.Context, identifier string) (bool, error) {
	entry, err := t.Lookup(ctx, identifier)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// Blacklist upserts the entry for identifier. A later call replaces reason
// and expiry and refreshes CreatedAt. Pass DefaultExpiry for the default
// window and Permanent() for an entry that never expires.
func (t *Tracker) Blacklist(ctx context.Context, identifier, reason string, expiry Expiry) error {
	if identifier == "" {
		return ErrEmptyIdentifier
	}
	now := t.clock()
	entry := BlacklistEntry{
		Identifier: identifier,
		Reason:     reason,
		CreatedAt:  now,
		ExpiresAt:  expiry.resolve(now),
	}
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identifier"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "created_at", "expires_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("blacklist %s: %w", identifier, err)
	}

	event := t.logger.Info().Str("identifier", identifier).Str("reason", reason)
	if entry.ExpiresAt != nil {
		event = event.Time("expires_at", *entry.ExpiresAt)
	} else {
		event = event.Bool("permanent", true)
	}
	event.Msg("identifier blacklisted")
	return nil
}

// ListBlacklist returns every entry, newest first, including expired ones
// that have not been swept yet.
func (t *Tracker) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	var entries []BlacklistEntry
	if err := t.db.WithContext(ctx).Order("created_at desc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	return entries, nil
}

// TrackFailedAttempt appends a failed attempt. Empty secondary and userAgent
// are stored as NULL.
func (t *Tracker) TrackFailedAttempt(ctx context.Context, primary, secondary, userAgent, actionKind string) error {
	if primary == "" {
		return ErrEmptyIdentifier
	}
	record := FailedAttempt{
		PrimaryIdentifier:   primary,
		SecondaryIdentifier: nullable(secondary),
		UserAgent:           nullable(userAgent),
		ActionKind:          actionKind,
		OccurredAt:          t.clock(),
	}
	if err := t.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("track failed attempt: %w", err)
	}
	return nil
}

// IsChallengeRequired reports whether at least ChallengeThreshold failed
// attempts within ChallengeWindow match primary, or secondary when given.
func (t *Tracker) IsChallengeRequired(ctx context.Context, primary, secondary string) (bool, error) {
	if primary == "" {
		return false, ErrEmptyIdentifier
	}
	since := t.clock().Add(-ChallengeWindow)

	q := t.db.WithContext(ctx).Where("occurred_at >= ?", since)
	if secondary != "" {
		q = q.Where("(primary_identifier = ? OR secondary_identifier = ?)", primary, secondary)
	} else {
		q = q.Where("primary_identifier = ?", primary)
	}

	var recent []FailedAttempt
	if err := q.Order("occurred_at desc").Limit(challengeLookback).Find(&recent).Error; err != nil {
		return false, fmt.Errorf("load failed attempts: %w", err)
	}
	return len(recent) >= ChallengeThreshold, nil
}

// VerifyChallenge checks token with the external verifier. Any failure,
// including a replayed token, yields false.
func (t *Tracker) VerifyChallenge(ctx context.Context, token, sourceAddr string) bool {
	ok := t.verifyChallenge(ctx, token, sourceAddr)
	if t.onVerify != nil {
		t.onVerify(ok)
	}
	return ok
}

func (t *Tracker) verifyChallenge(ctx context.Context, token, sourceAddr string) bool {
	if token == "" || t.verifier == nil {
		return false
	}

	if t.replay != nil {
		seen, err := t.replay.Seen(ctx, token)
		if err != nil {
			t.logger.Warn().Err(err).Msg("challenge replay check failed")
			return false
		}
		if seen {
			t.logger.Warn().Str("source", sourceAddr).Msg("challenge token replayed")
			return false
		}
	}

	ok, err := t.verifier.Verify(ctx, token, sourceAddr)
	if err != nil {
		t.logger.Warn().Err(err).Str("source", sourceAddr).Msg("challenge verification failed")
		return false
	}
	if !ok {
		return false
	}

	if t.replay != nil {
		if err := t.replay.Remember(ctx, token, t.clock()); err != nil {
			t.logger.Warn().Err(err).Msg("challenge token not recorded")
			return false
		}
	}
	return true
}

// CleanupReport counts the rows removed by CleanupOldRecords.
type CleanupReport struct {
	Blacklist       int64 `json:"blacklist"`
	FailedAttempts  int64 `json:"failed_attempts"`
	ChallengeTokens int64 `json:"challenge_tokens"`
}

// CleanupOldRecords deletes expired blacklist entries and failed attempts
// older than RecordRetention. Rows are deleted by predicate, so it is
// idempotent and safe alongside concurrent writes.
func (t *Tracker) CleanupOldRecords(ctx context.Context) (CleanupReport, error) {
	now := t.clock()
	var report CleanupReport

	res := t.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Delete(&BlacklistEntry{})
	if res.Error != nil {
		return report, fmt.Errorf("cleanup blacklist: %w", res.Error)
	}
	report.Blacklist = res.RowsAffected

	res = t.db.WithContext(ctx).
		Where("occurred_at < ?", now.Add(-RecordRetention)).
		Delete(&FailedAttempt{})
	if res.Error != nil {
		return report, fmt.Errorf("cleanup failed attempts: %w", res.Error)
	}
	report.FailedAttempts = res.RowsAffected

	if t.replay != nil {
		n, err := t.replay.Prune(ctx, now)
		if err != nil {
			return report, err
		}
		report.ChallengeTokens = n
	}
	return report, nil
}

// Standing places identifier on the CLEAN -> CHALLENGE_REQUIRED ->
// BLACKLISTED ladder. A blacklist entry wins over recent failures.
func (t *Tracker) Standing(ctx context.Context, primary, secondary string) (Standing, error) {
	blocked, err := t.IsBlacklisted(ctx, primary)
	if err != nil {
		return "", err
	}
	if blocked {
		return StandingBlacklisted, nil
	}
	required, err := t.IsChallengeRequired(ctx, primary, secondary)
	if err != nil {
		return "", err
	}
	if required {
		return StandingChallengeRequired, nil
	}
	return StandingClean, nil
}

// Offender is a primary identifier with its failed attempt count.
type Offender struct {
	Identifier string
	Attempts   int64
}

// RecentOffenders groups failed attempts since the given instant by primary
// identifier and returns those with at least minAttempts.
func (t *Tracker) RecentOffenders(ctx context.Context, since time.Time, minAttempts int) ([]Offender, error) {
	var rows []struct {
		PrimaryIdentifier string
		Attempts          int64
	}
	err := t.db.WithContext(ctx).Model(&FailedAttempt{}).
		Select("primary_identifier, COUNT(*) AS attempts").
		Where("occurred_at >= ?", since.UTC()).
		Group("primary_identifier").
		Having("COUNT(*) >= ?", minAttempts).
		Order("attempts desc").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent offenders: %w", err)
	}

	out := make([]Offender, 0, len(rows))
	for _, r := range rows {
		out = append(out, Offender{Identifier: r.PrimaryIdentifier, Attempts: r.Attempts})
	}
	return out, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
