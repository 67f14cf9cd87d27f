// Package router classifies tasks and selects the cheapest model capable of
// handling them, honoring rate-limit pressure, credential gating, and
// explicit caller hints.
package router

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/gofer/internal/auth"
	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/fault"
)

// Model is one selectable worker model. Tier 1 is the most capable, tier 3
// the fastest and cheapest. Prices are USD per million units.
type Model struct {
	Name        string
	Tier        int
	InputPrice  float64
	OutputPrice float64
	Requires    auth.Method // zero value: usable under any credential
}

// Availability is the rate-limit tracker view the router needs.
type Availability interface {
	Available(model string) bool
}

// CredentialSource is the auth chain view the router needs.
type CredentialSource interface {
	Active() (auth.Credential, bool)
	Has(method auth.Method) bool
}

// Request carries the routing inputs.
type Request struct {
	Task          string
	ToolTag       string
	ExplicitModel string
	PreferFast    bool

	// Exclude lists models that must not be selected, e.g. a model that
	// just rate-limited so the retry lands somewhere else.
	Exclude []string
}

func (req Request) excluded(name string) bool {
	for _, x := range req.Exclude {
		if x == name {
			return true
		}
	}
	return false
}

// Selection is the routing outcome.
type Selection struct {
	Model      Model
	Complexity Complexity
	Tier       int    // preferred tier derived from complexity
	Reason     string // "explicit", "scored", or "reliable-default"
}

// Router selects models. Pure given the tracker and credential snapshots:
// identical inputs yield identical selections. Safe for concurrent use;
// Reload swaps the catalog in place so long-running processes pick up
// config edits.
type Router struct {
	mu           sync.RWMutex
	catalog      []Model
	byName       map[string]Model
	defaultModel string
	preferFast   bool

	tracker Availability
	creds   CredentialSource
}

// New builds a Router over the catalog. defaultModel is the reliable
// fallback used when every candidate is rate-limited; it must name a
// catalog entry, otherwise the first entry is used.
func New(catalog []Model, defaultModel string, tracker Availability, creds CredentialSource) *Router {
	byName := make(map[string]Model, len(catalog))
	for _, m := range catalog {
		byName[m.Name] = m
	}
	if _, ok := byName[defaultModel]; !ok && len(catalog) > 0 {
		defaultModel = catalog[0].Name
	}
	return &Router{
		catalog:      catalog,
		byName:       byName,
		defaultModel: defaultModel,
		tracker:      tracker,
		creds:        creds,
	}
}

// FromConfig builds the Router from the configured model catalog.
func FromConfig(cfg *config.Config, tracker Availability, creds CredentialSource) *Router {
	catalog := make([]Model, 0, len(cfg.Models))
	for _, spec := range cfg.Models {
		catalog = append(catalog, Model{
			Name:        spec.Name,
			Tier:        spec.Tier,
			InputPrice:  spec.InputPrice,
			OutputPrice: spec.OutputPrice,
			Requires:    auth.Method(spec.Requires),
		})
	}
	r := New(catalog, cfg.Router.DefaultModel, tracker, creds)
	r.preferFast = cfg.Router.PreferFast
	return r
}

// Reload swaps in the catalog from a freshly loaded config. The config
// watcher calls this so catalog edits take effect without a restart.
func (r *Router) Reload(cfg *config.Config) {
	next := FromConfig(cfg, r.tracker, r.creds)
	r.mu.Lock()
	r.catalog = next.catalog
	r.byName = next.byName
	r.defaultModel = next.defaultModel
	r.preferFast = next.preferFast
	r.mu.Unlock()
	slog.Info("router.catalog_reloaded", "models", len(next.catalog), "default", next.defaultModel)
}

// Select picks a model for the request.
func (r *Router) Select(req Request) (Selection, error) {
	const op = "router.select"

	r.mu.RLock()
	defer r.mu.RUnlock()

	if req.Task == "" {
		return Selection{}, fault.New(fault.Validation, op, "task text must not be empty")
	}
	if len(r.catalog) == 0 {
		return Selection{}, fault.New(fault.Config, op, "model catalog is empty")
	}

	complexity := Classify(req.Task, req.ToolTag)
	tier := PreferredTier(complexity, req.PreferFast || r.preferFast)
	sel := Selection{Complexity: complexity, Tier: tier}

	// An explicit hint must name a known model; beyond that it is honored
	// only when the active credential reaches it and it is not rate-limited.
	if req.ExplicitModel != "" {
		m, known := r.byName[req.ExplicitModel]
		if !known {
			return Selection{}, fault.Errorf(fault.Validation, op, "unknown model %q", req.ExplicitModel)
		}
		if !req.excluded(m.Name) && r.authorized(m) && r.tracker.Available(m.Name) {
			sel.Model = m
			sel.Reason = "explicit"
			r.logSelection(req, sel)
			return sel, nil
		}
		// Fall through to scored selection.
	}

	ranked := make([]Model, len(r.catalog))
	copy(ranked, r.catalog)
	sort.SliceStable(ranked, func(i, j int) bool {
		di, dj := distance(ranked[i].Tier, tier), distance(ranked[j].Tier, tier)
		if di != dj {
			return di < dj
		}
		return ranked[i].Tier < ranked[j].Tier
	})

	for _, m := range ranked {
		if !req.excluded(m.Name) && r.authorized(m) && r.tracker.Available(m.Name) {
			sel.Model = m
			sel.Reason = "scored"
			r.logSelection(req, sel)
			return sel, nil
		}
	}

	// Everything is rate-limited; proceed with the reliable default anyway
	// rather than refusing the request.
	fallback := r.byName[r.defaultModel]
	if req.excluded(fallback.Name) {
		found := false
		for _, m := range ranked {
			if !req.excluded(m.Name) {
				fallback, found = m, true
				break
			}
		}
		if !found {
			return Selection{}, fault.New(fault.ModelUnavailable, op, "every model is excluded")
		}
	}
	sel.Model = fallback
	sel.Reason = "reliable-default"
	r.logSelection(req, sel)
	return sel, nil
}

// Known reports whether name is in the catalog.
func (r *Router) Known(name string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	return m, ok
}

// Catalog returns the models in configuration order.
func (r *Router) Catalog() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, len(r.catalog))
	copy(out, r.catalog)
	return out
}

// Default returns the reliable default model name.
func (r *Router) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultModel
}

// Prices resolves per-million-unit prices for a model; it satisfies
// ratelimit.PriceFunc.
func (r *Router) Prices(model string) (float64, float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[model]
	if !ok {
		return 0, 0, false
	}
	return m.InputPrice, m.OutputPrice, true
}

func (r *Router) authorized(m Model) bool {
	if m.Requires == "" {
		return true
	}
	// Marketplace models are served over HTTP, so only the key needs to
	// exist; CLI models need the gating method to be the active credential.
	if m.Requires == auth.MethodMarketplace {
		return r.creds.Has(auth.MethodMarketplace)
	}
	active, ok := r.creds.Active()
	return ok && active.Method == m.Requires
}

func (r *Router) logSelection(req Request, sel Selection) {
	slog.Debug("router.selected",
		"model", sel.Model.Name,
		"complexity", string(sel.Complexity),
		"tier", sel.Tier,
		"reason", sel.Reason,
		"tag", req.ToolTag)
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
