// Package resolution locates the payment intent an inbound callback refers to.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/internal/store"
)

// Strategy names the step that produced a match.
type Strategy string

const (
	StrategyReference  Strategy = "reference"
	StrategyPayload    Strategy = "payload"
	StrategyRecentUser Strategy = "recent_user"
	StrategyRecentAny  Strategy = "recent_any"
)

// Rule is one place in provider_payload where a transaction id may live.
// Accept filters candidates before the payload is searched.
type Rule struct {
	Path   []string
	Accept func(candidate string) bool
}

func (r Rule) accepts(v string) bool {
	return r.Accept == nil || r.Accept(v)
}

var (
	numericID = regexp.MustCompile(`^[0-9]+$`)
	tokenID   = regexp.MustCompile(`^[A-Za-z0-9_\-.:]{3,128}$`)
)

// AnyID accepts identifiers made of the characters providers use.
func AnyID(v string) bool { return tokenID.MatchString(v) }

// NumericID accepts digit-only identifiers.
func NumericID(v string) bool { return numericID.MatchString(v) }

// DefaultRules are searched for every provider, before adapter-specific paths.
var DefaultRules = []Rule{
	{Path: []string{"provider_reference"}, Accept: AnyID},
	{Path: []string{"transaction_id"}, Accept: AnyID},
	{Path: []string{"id"}, Accept: AnyID},
	{Path: []string{"data", "id"}, Accept: AnyID},
	{Path: []string{"data", "transaction_id"}, Accept: AnyID},
	{Path: []string{"data", "flw_ref"}, Accept: AnyID},
	{Path: []string{"charge", "id"}, Accept: AnyID},
}

// RulesFor appends provider paths to DefaultRules, skipping duplicates.
func RulesFor(paths [][]string) []Rule {
	rules := append([]Rule(nil), DefaultRules...)
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		seen[fmt.Sprint(r.Path)] = true
	}
	for _, p := range paths {
		if len(p) == 0 || seen[fmt.Sprint(p)] {
			continue
		}
		seen[fmt.Sprint(p)] = true
		rules = append(rules, Rule{Path: p, Accept: AnyID})
	}
	return rules
}

// Clue is everything a callback tells us about which intent it concerns.
type Clue struct {
	Provider   string
	Reference  string
	Candidates []string
	UserID     *uuid.UUID // the authenticated user, when the callback came through the browser
	Rules      []Rule     // nil means DefaultRules
}

func (c Clue) identifiers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range append([]string{c.Reference}, c.Candidates...) {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Match is a resolved intent, locked in the caller's tx.
type Match struct {
	Intent   *models.PaymentIntent
	Strategy Strategy
}

// Resolver runs the ordered resolution strategies.
type Resolver struct {
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Resolver. Ambiguous callbacks only match intents created within window.
func New(window time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{window: window, logger: logger, now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve finds the intent for clue, stopping at the first strategy that
// matches. The recency strategies only run for clues without a Reference. The caller must hold store.ResolveLockKey(clue.Provider) in tx so
// that the fallback search and the following transition are serialized.
func (r *Resolver) Resolve(ctx context.Context, tx store.Tx, clue Clue) (*Match, error) {
	ids := clue.identifiers()

	for _, id := range ids {
		in, err := tx.IntentByReferenceForUpdate(ctx, clue.Provider, id)
		if err == nil {
			return r.matched(clue, in, StrategyReference), nil
		}
		if !errors.Is(err, models.ErrIntentNotFound) {
			return nil, err
		}
		// Eager intents use their own id as the merchant reference.
		if uid, perr := uuid.Parse(id); perr == nil {
			in, err := tx.IntentForUpdate(ctx, uid)
			if err == nil && in.Provider == clue.Provider {
				return r.matched(clue, in, StrategyReference), nil
			}
			if err != nil && !errors.Is(err, models.ErrIntentNotFound) {
				return nil, err
			}
		}
	}

	rules := clue.Rules
	if rules == nil {
		rules = DefaultRules
	}
	for _, rule := range rules {
		for _, id := range ids {
			if !rule.accepts(id) {
				continue
			}
			in, err := tx.IntentByPayloadForUpdate(ctx, clue.Provider, rule.Path, id)
			if err == nil {
				return r.matched(clue, in, StrategyPayload), nil
			}
			if !errors.Is(err, models.ErrIntentNotFound) {
				return nil, err
			}
		}
	}

	// A callback naming its transaction must match it; recency only
	// stands in for identifiers a provider never sent.
	if clue.Reference != "" {
		return nil, r.unresolved(clue, ids)
	}

	since := r.now().Add(-r.window)
	if clue.UserID != nil {
		in, err := tx.RecentNonTerminalForUpdate(ctx, clue.Provider, clue.UserID, since)
		if err == nil {
			return r.matched(clue, in, StrategyRecentUser), nil
		}
		if !errors.Is(err, models.ErrIntentNotFound) {
			return nil, err
		}
	}
	in, err := tx.RecentNonTerminalForUpdate(ctx, clue.Provider, nil, since)
	if err == nil {
		return r.matched(clue, in, StrategyRecentAny), nil
	}
	if !errors.Is(err, models.ErrIntentNotFound) {
		return nil, err
	}

	return nil, r.unresolved(clue, ids)
}

func (r *Resolver) unresolved(clue Clue, ids []string) error {
	r.logger.Warn("callback did not resolve to a payment intent",
		zap.String("provider", clue.Provider),
		zap.Strings("identifiers", ids),
		zap.Bool("has_user", clue.UserID != nil),
	)
	return models.ErrIntentNotFound
}

func (r *Resolver) matched(clue Clue, in *models.PaymentIntent, s Strategy) *Match {
	r.logger.Info("callback resolved",
		zap.String("provider", clue.Provider),
		zap.String("intent_id", in.ID.String()),
		zap.String("strategy", string(s)),
	)
	return &Match{Intent: in, Strategy: s}
}
