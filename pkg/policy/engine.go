package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/bouncer/pkg/abuse"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	ActionBlacklist = "blacklist"
	ActionWarn      = "warn"
)

// Rule escalates identifiers with at least MinAttempts failed attempts in the
// trailing window.
type Rule struct {
	Name            string `yaml:"name"`
	MinAttempts     int    `yaml:"min_attempts"`
	WindowSeconds   int    `yaml:"window_s"`
	Action          string `yaml:"action"` // "blacklist" or "warn"
	BlockForSeconds int    `yaml:"block_for_s"`
	Permanent       bool   `yaml:"permanent"`
}

func (r Rule) window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// expiry maps the rule onto the blacklist expiry: permanent only when asked
// for, the default window when no duration is set.
func (r Rule) expiry() abuse.Expiry {
	if r.Permanent {
		return abuse.Permanent()
	}
	if r.BlockForSeconds > 0 {
		return abuse.For(time.Duration(r.BlockForSeconds) * time.Second)
	}
	return abuse.DefaultExpiry
}

type Policy struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads a policy file. A missing file yields an empty policy.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Policy{Rules: []Rule{}}, nil
		}
		return nil, err
	}

	var pol Policy
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	return &pol, nil
}

func (p *Policy) Validate() error {
	var errs []error
	for i, rule := range p.Rules {
		if rule.MinAttempts <= 0 {
			errs = append(errs, fmt.Errorf("rule %d (%s): min_attempts must be positive", i, rule.Name))
		}
		if rule.WindowSeconds <= 0 {
			errs = append(errs, fmt.Errorf("rule %d (%s): window_s must be positive", i, rule.Name))
		}
		if rule.Action != ActionBlacklist && rule.Action != ActionWarn {
			errs = append(errs, fmt.Errorf("rule %d (%s): unknown action %q", i, rule.Name, rule.Action))
		}
	}
	return errors.Join(errs...)
}

// Decision is one rule matching one identifier.
type Decision struct {
	Rule       string
	Action     string
	Identifier string
	Attempts   int64
	Expiry     abuse.Expiry
}

// OffenderSource is the read side of abuse.Tracker used for evaluation.
type OffenderSource interface {
	RecentOffenders(ctx context.Context, since time.Time, minAttempts int) ([]abuse.Offender, error)
}

// Evaluate returns the decisions for every rule. An identifier gets at most
// one blacklist decision: the first blacklist rule that matches it.
func Evaluate(ctx context.Context, pol *Policy, src OffenderSource, now time.Time) ([]Decision, error) {
	var decisions []Decision
	blacklisted := map[string]bool{}

	for _, rule := range pol.Rules {
		offenders, err := src.RecentOffenders(ctx, now.Add(-rule.window()), rule.MinAttempts)
		if err != nil {
			return nil, err
		}
		for _, o := range offenders {
			if rule.Action == ActionBlacklist {
				if blacklisted[o.Identifier] {
					continue
				}
				blacklisted[o.Identifier] = true
			}
			decisions = append(decisions, Decision{
				Rule:       rule.Name,
				Action:     rule.Action,
				Identifier: o.Identifier,
				Attempts:   o.Attempts,
				Expiry:     rule.expiry(),
			})
		}
	}
	return decisions, nil
}

// Store is the part of abuse.Tracker that Enforce needs.
type Store interface {
	OffenderSource
	IsBlacklisted(ctx context.Context, identifier string) (bool, error)
	Blacklist(ctx context.Context, identifier, reason string, expiry abuse.Expiry) error
}

// Enforce evaluates pol and blacklists matching identifiers that are not
// already blocked, so existing entries (including permanent ones) are never
// shortened. It returns the decisions that were applied.
func Enforce(ctx context.Context, pol *Policy, store Store, now time.Time, logger zerolog.Logger) ([]Decision, error) {
	decisions, err := Evaluate(ctx, pol, store, now)
	if err != nil {
		return nil, err
	}

	var applied []Decision
	for _, d := range decisions {
		if d.Action == ActionWarn {
			logger.Warn().Str("rule", d.Rule).Str("identifier", d.Identifier).Int64("attempts", d.Attempts).Msg("failed attempt threshold reached")
			continue
		}
		blocked, err := store.IsBlacklisted(ctx, d.Identifier)
		if err != nil {
			return applied, err
		}
		if blocked {
			continue
		}
		reason := fmt.Sprintf("policy %s: %d failed attempts", d.Rule, d.Attempts)
		if err := store.Blacklist(ctx, d.Identifier, reason, d.Expiry); err != nil {
			return applied, err
		}
		applied = append(applied, d)
	}
	return applied, nil
}
