package flows

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/activity"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
)

// resultHandler runs once the surface reports a result.
type resultHandler func(ctx context.Context, res activity.Result) error

// openSurface moves l through AwaitingSurface to Open and returns once the
// surface is ready. The result is awaited in the background: a result ends the
// flow as completed, a dismissal as cancelled. Cancellation is never returned
// as an error.
func (d *Deps) openSurface(ctx context.Context, l *lifecycle, view *activity.View, data map[string]any, onResult resultHandler) error {
	if d.Host == nil {
		err := paygateerrors.Contract("open_surface", "no surface host configured")
		l.finish(StateCompleted, err)
		return err
	}
	l.transition(StateAwaitingSurface)
	if err := d.Host.OpenView(ctx, view); err != nil {
		if paygateerrors.IsAbort(err) {
			d.cancelled(l, data)
			return nil
		}
		log.Warn().Err(err).Str("flow", l.name).Msg("Surface failed to open")
		l.finish(StateCompleted, err)
		return err
	}
	l.transition(StateOpen)

	go d.awaitResult(context.WithoutCancel(ctx), l, view, data, onResult)
	return nil
}

func (d *Deps) awaitResult(ctx context.Context, l *lifecycle, view *activity.View, data map[string]any, onResult resultHandler) {
	res, err := view.AcceptResult(ctx)
	switch {
	case err == nil:
	case paygateerrors.IsAbort(err):
		d.cancelled(l, data)
		return
	case errors.Is(err, activity.ErrClosed):
		// Closed by the host after handing over to another flow.
		d.completed(l, data)
		return
	default:
		log.Warn().Err(err).Str("flow", l.name).Msg("Surface failed")
		l.finish(StateCompleted, err)
		return
	}

	if onResult != nil {
		if err := onResult(ctx, res); err != nil {
			if paygateerrors.IsAbort(err) {
				d.cancelled(l, data)
				return
			}
			log.Warn().Err(err).Str("flow", l.name).Msg("Flow result rejected")
			l.finish(StateCompleted, err)
			return
		}
	}
	d.completed(l, data)
}

func (d *Deps) cancelled(l *lifecycle, data map[string]any) {
	l.enter(StateCancelled, nil, func() {
		d.Callbacks.TriggerFlowCanceled(l.name, data)
	})
}

func (d *Deps) completed(l *lifecycle, data map[string]any) {
	l.enter(StateCompleted, nil, func() {
		d.Callbacks.TriggerFlowCompleted(l.name, data)
	})
}

// secureResult rejects results that did not come over a verified channel.
func secureResult(res activity.Result) error {
	if !res.SecureChannel || !res.OriginVerified {
		return paygateerrors.Protocol("accept_result", errors.New("The channel is not secured"))
	}
	return nil
}
