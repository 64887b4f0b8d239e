/*
catalog.go - Immutable activity catalog

PURPOSE:
  The process-wide table of activity definitions. Loaded once at
  startup, read-only thereafter, safe for unsynchronized concurrent
  reads. Lookups by unknown id are a distinct error condition at the
  call sites, never an absent verdict.

CONFIGURATION:
  The catalog can be parsed from a JSON document so deployments can
  define their own activities:

    {"activities": [
      {"id": "welcome", "name": "Welcome bonus", "reward": 10, "policy": "once"}
    ]}

  DefaultCatalog ships the built-in set: welcome (once, 10),
  daily_login (daily, 5), referral (conditional, 20).

SEE ALSO:
  - evaluator.go: Consumes Activity values
  - cmd/server: Loads the catalog at startup
*/
package activity

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is the immutable, ordered set of activity definitions.
type Catalog struct {
	ordered []Activity
	byID    map[ActivityID]Activity
}

// NewCatalog builds a catalog from definitions, preserving insertion
// order for stable display. Duplicate ids and unknown policy kinds are
// configuration mistakes and fail construction.
func NewCatalog(activities []Activity) (*Catalog, error) {
	c := &Catalog{
		ordered: make([]Activity, 0, len(activities)),
		byID:    make(map[ActivityID]Activity, len(activities)),
	}
	for _, a := range activities {
		if a.ID == "" {
			return nil, fmt.Errorf("%w: activity with empty id", ErrValidation)
		}
		if !a.Policy.Valid() {
			return nil, fmt.Errorf("%w: activity %q has unknown policy %q", ErrValidation, a.ID, a.Policy)
		}
		if _, dup := c.byID[a.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate activity id %q", ErrValidation, a.ID)
		}
		c.ordered = append(c.ordered, a)
		c.byID[a.ID] = a
	}
	return c, nil
}

// List returns all activities in insertion order.
func (c *Catalog) List() []Activity {
	out := make([]Activity, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// ByID looks up an activity definition.
func (c *Catalog) ByID(id ActivityID) (Activity, bool) {
	a, ok := c.byID[id]
	return a, ok
}

// Len returns the number of defined activities.
func (c *Catalog) Len() int { return len(c.ordered) }

// =============================================================================
// JSON CONFIGURATION
// =============================================================================

type catalogJSON struct {
	Activities []activityJSON `json:"activities"`
}

type activityJSON struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Reward float64 `json:"reward"`
	Policy string  `json:"policy"`
}

// ParseCatalog builds a catalog from its JSON configuration.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cfg catalogJSON
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: malformed catalog config: %v", ErrValidation, err)
	}
	activities := make([]Activity, len(cfg.Activities))
	for i, a := range cfg.Activities {
		activities[i] = Activity{
			ID:     ActivityID(a.ID),
			Name:   a.Name,
			Reward: decimal.NewFromFloat(a.Reward),
			Policy: PolicyKind(a.Policy),
		}
	}
	return NewCatalog(activities)
}

// DefaultCatalog returns the built-in activity set.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]Activity{
		{ID: ActivityWelcome, Name: "Welcome bonus", Reward: decimal.NewFromInt(10), Policy: PolicyOnce},
		{ID: ActivityDailyLogin, Name: "Daily Login Bonus", Reward: decimal.NewFromInt(5), Policy: PolicyDaily},
		{ID: ActivityReferral, Name: "Referral bonus", Reward: decimal.NewFromInt(20), Policy: PolicyConditional},
	})
	if err != nil {
		panic(err) // the built-in set is static and always valid
	}
	return c
}
