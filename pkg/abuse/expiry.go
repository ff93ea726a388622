package abuse

import "time"

// DefaultBlacklistDuration applies when Blacklist is called with the zero Expiry.
const DefaultBlacklistDuration = 24 * time.Hour

type expiryKind int

const (
	expiryDefault expiryKind = iota
	expiryAt
	expiryNever
)

// Expiry selects how long a blacklist entry lasts. The zero value means
// "use DefaultBlacklistDuration"; it is not permanent. A permanent entry
// requires Permanent() explicitly.
type Expiry struct {
	kind expiryKind
	at   time.Time
	d    time.Duration
}

// DefaultExpiry is the zero Expiry, spelled out for call sites.
var DefaultExpiry = Expiry{}

// Until expires the entry at t.
func Until(t time.Time) Expiry {
	return Expiry{kind: expiryAt, at: t}
}

// For expires the entry d after it is written.
func For(d time.Duration) Expiry {
	return Expiry{kind: expiryAt, d: d}
}

// Permanent never expires the entry.
func Permanent() Expiry {
	return Expiry{kind: expiryNever}
}

// resolve returns the expiry instant for an entry written at now, or nil
// for a permanent entry.
func (e Expiry) resolve(now time.Time) *time.Time {
	switch e.kind {
	case expiryNever:
		return nil
	case expiryAt:
		if e.at.IsZero() {
			t := now.Add(e.d)
			return &t
		}
		t := e.at.UTC()
		return &t
	default:
		t := now.Add(DefaultBlacklistDuration)
		return &t
	}
}
