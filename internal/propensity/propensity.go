// Package propensity reports publisher signals to the scoring service and
// fetches the reader's likelihood to subscribe.
package propensity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	paygateerrors "github.com/rcourtman/paygate/internal/errors"
	"github.com/rcourtman/paygate/internal/events"
)

// Type selects the score to fetch.
type Type string

const (
	TypeGeneral Type = "general"
	TypePaywall Type = "paywall"
)

// Score is a scoring response. When OK is false Error explains why.
type Score struct {
	OK      bool
	Details []ScoreDetail
	Error   string
}

// ScoreDetail is the score for one product. Exactly one of Value and Error
// is set.
type ScoreDetail struct {
	Product string
	Value   *Value
	Error   string
}

type Value struct {
	Value    float64
	Bucketed bool
}

// Server is the scoring service.
type Server interface {
	Propensity(ctx context.Context, referrer string, t Type) (*Score, error)
	SendSubscriptionState(ctx context.Context, state, productsOrSkus string) error
	SendEvent(ctx context.Context, event, extra string) error
}

// Options configure a Module.
type Options struct {
	// Referrer is the page referrer sent with score requests.
	Referrer string
	// Enabled reports whether runtime events may be forwarded. It is checked
	// per event since consent can arrive late. Events logged through the
	// module itself are always forwarded.
	Enabled func() bool
	// SendTimeout bounds each forwarded event. Zero means 10s.
	SendTimeout time.Duration
}

// Module is the publisher facing propensity API.
type Module struct {
	server  Server
	logger  *events.PublisherLogger
	opts    Options
	timeout time.Duration
}

// New returns a module logging through m and forwarding its events to server.
func New(server Server, m *events.Manager, opts Options) *Module {
	mod := &Module{
		server:  server,
		logger:  events.NewPublisherLogger(m, events.OriginPropensity),
		opts:    opts,
		timeout: opts.SendTimeout,
	}
	if mod.timeout <= 0 {
		mod.timeout = 10 * time.Second
	}
	m.RegisterListener(mod.handleEvent)
	return mod
}

// Propensity fetches the score of type t. An empty type means general.
func (m *Module) Propensity(ctx context.Context, t Type) (*Score, error) {
	switch t {
	case "":
		t = TypeGeneral
	case TypeGeneral, TypePaywall:
	default:
		return nil, paygateerrors.Contract("propensity", "Invalid propensity type requested")
	}
	return m.server.Propensity(ctx, m.opts.Referrer, t)
}

// SendSubscriptionState logs the reader's subscription state. Subscribers and
// past subscribers must name their products.
func (m *Module) SendSubscriptionState(state events.SubscriptionState, products []string) error {
	if (state == events.SubscriptionSubscriber || state == events.SubscriptionPastSubscriber) && len(products) == 0 {
		return paygateerrors.Contract("send_subscription_state", "Entitlements must be provided for users with active or expired subscriptions")
	}
	if err := m.logger.SendSubscriptionState(state, products); err != nil {
		return paygateerrors.Contract("send_subscription_state", "%v", err)
	}
	return nil
}

// SendEvent logs a publisher event.
func (m *Module) SendEvent(rec events.PublisherRecord) error {
	if rec.Active != nil {
		data := make(map[string]any, len(rec.Data)+1)
		for k, v := range rec.Data {
			data[k] = v
		}
		data["is_active"] = *rec.Active
		rec.Data = data
	}
	if err := m.logger.SendEvent(rec); err != nil {
		return paygateerrors.Contract("send_event", "Invalid user event provided(%s)", rec.Name)
	}
	return nil
}

func (m *Module) enabled() bool {
	return m.opts.Enabled != nil && m.opts.Enabled()
}

// handleEvent forwards events to the scoring service. Showcase events are
// never forwarded. Runtime analytics parameters stay private.
func (m *Module) handleEvent(ev events.Event) {
	if ev.Originator == events.OriginShowcase {
		return
	}
	if ev.Originator != events.OriginPropensity && !m.enabled() {
		return
	}

	var extra map[string]any
	if ev.Params != nil && ev.IsPublisherEvent() {
		extra = ev.Params.Extra
	}

	if ev.Type == events.EventSubscriptionState {
		state, _ := extra["state"].(string)
		products := ""
		if p, ok := extra["products"]; ok {
			if raw, err := json.Marshal(map[string]any{"product": p}); err == nil {
				products = string(raw)
			}
		}
		m.send(func(ctx context.Context) error {
			return m.server.SendSubscriptionState(ctx, state, products)
		})
		return
	}

	name, ok := events.PublisherEventFor(ev.Type)
	if !ok {
		return
	}
	data := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		data[k] = v
	}
	data["is_active"] = ev.IsFromUserAction
	raw, err := json.Marshal(data)
	if err != nil {
		log.Warn().Err(err).Str("event", string(name)).Msg("Dropping propensity event with unencodable data")
		return
	}
	m.send(func(ctx context.Context) error {
		return m.server.SendEvent(ctx, string(name), string(raw))
	})
}

func (m *Module) send(fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to send propensity signal")
		}
	}()
}
