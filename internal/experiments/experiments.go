// Package experiments resolves per-session feature experiment assignments.
package experiments

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/metrics"
	"github.com/rcourtman/paygate/internal/session"
)

// Selection is the persisted outcome of a random draw.
type Selection string

const (
	SelectionExperiment Selection = "e"
	SelectionControl    Selection = "c"
	SelectionNone       Selection = "n"
)

const storageKeyPrefix = "subscribe.google.com:e:"

// controlMaxFraction is the largest fraction for which a control group is
// carved out of the draw.
const controlMaxFraction = 20

// Spec is one parsed id[:fraction[c]] entry.
type Spec struct {
	ID          string
	Fraction    float64
	HasFraction bool
	Control     bool
}

// ParseSpecs parses a comma separated experiment list. Malformed entries are
// logged and skipped without affecting the others.
func ParseSpecs(s string) []Spec {
	var out []Spec
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		spec, err := parseSpec(raw)
		if err != nil {
			log.Warn().Err(err).Str("spec", raw).Msg("Ignoring malformed experiment spec")
			continue
		}
		out = append(out, spec)
	}
	return out
}

func parseSpec(raw string) (Spec, error) {
	parts := strings.Split(raw, ":")
	id := strings.TrimSpace(parts[0])
	if id == "" {
		return Spec{}, fmt.Errorf("missing experiment id")
	}
	switch len(parts) {
	case 1:
		return Spec{ID: id}, nil
	case 2:
	default:
		return Spec{}, fmt.Errorf("too many fields")
	}

	frac := strings.TrimSpace(parts[1])
	control := false
	if strings.HasSuffix(frac, "c") {
		control = true
		frac = strings.TrimSuffix(frac, "c")
	}
	f, err := strconv.ParseFloat(frac, 64)
	if err != nil || f != f {
		return Spec{}, fmt.Errorf("invalid fraction %q", parts[1])
	}
	return Spec{ID: id, Fraction: f, HasFraction: true, Control: control}, nil
}

// StorageKey is the session key a spec's draw is persisted under.
func (s Spec) StorageKey() string {
	key := storageKeyPrefix + s.ID + ":" + strconv.FormatFloat(s.Fraction, 'f', -1, 64)
	if s.wantsControl() {
		key += "c"
	}
	return key
}

func (s Spec) wantsControl() bool {
	return s.Control && s.Fraction <= controlMaxFraction
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRand replaces the uniform [0,1) source used for draws.
func WithRand(fn func() float64) Option {
	return func(r *Resolver) { r.randFn = fn }
}

// Resolver turns experiment specs into boolean flags, persisting draws in
// session storage so they are stable within a session.
type Resolver struct {
	mu         sync.Mutex
	store      session.Store
	randFn     func() float64
	flags      map[string]bool
	selections map[string]Selection
}

// NewResolver returns a resolver backed by store. A nil store disables
// random draws; fractional experiments then resolve to off.
func NewResolver(store session.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:      store,
		randFn:     rand.Float64,
		flags:      make(map[string]bool),
		selections: make(map[string]Selection),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve evaluates every spec in s, records the flags and returns a copy of
// the full flag map.
func (r *Resolver) Resolve(s string) map[string]bool {
	specs := ParseSpecs(s)

	r.mu.Lock()
	for _, spec := range specs {
		on, sel := r.evaluate(spec)
		r.flags[spec.ID] = on
		if sel != "" {
			r.selections[spec.ID] = sel
			metrics.GetAccessMetrics().RecordExperiment(spec.ID, string(sel))
		}
	}
	r.mu.Unlock()

	return r.Snapshot()
}

func (r *Resolver) evaluate(spec Spec) (bool, Selection) {
	switch {
	case !spec.HasFraction || spec.Fraction > 99:
		return true, ""
	case spec.Fraction < 1:
		return false, ""
	case r.store == nil:
		return false, ""
	}

	key := spec.StorageKey()
	stored, ok, err := r.store.Get(key)
	if err != nil {
		log.Warn().Err(err).Str("experiment", spec.ID).Msg("Failed to read experiment selection")
		return false, ""
	}

	sel := parseSelection(stored)
	if !ok || sel == "" {
		sel = r.draw(spec)
		if err := r.store.Set(key, string(sel)); err != nil {
			log.Warn().Err(err).Str("experiment", spec.ID).Msg("Failed to persist experiment selection")
		}
	}
	return sel == SelectionExperiment, sel
}

func (r *Resolver) draw(spec Spec) Selection {
	control := spec.wantsControl()
	threshold := spec.Fraction
	if control {
		threshold *= 2
	}
	if r.randFn()*100 > threshold {
		return SelectionNone
	}
	if control && r.randFn() > 0.5 {
		return SelectionControl
	}
	return SelectionExperiment
}

func parseSelection(v string) Selection {
	switch Selection(v) {
	case SelectionExperiment, SelectionControl, SelectionNone:
		return Selection(v)
	}
	return ""
}

// IsOn reports whether experiment id is enabled.
func (r *Resolver) IsOn(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags[id]
}

// SetOn overrides experiment id for this session.
func (r *Resolver) SetOn(id string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[id] = on
}

// SelectionOf returns the persisted draw for id, if one was made.
func (r *Resolver) SelectionOf(id string) (Selection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sel, ok := r.selections[id]
	return sel, ok
}

// Snapshot copies the current flags.
func (r *Resolver) Snapshot() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.flags))
	for k, v := range r.flags {
		out[k] = v
	}
	return out
}
