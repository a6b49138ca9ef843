package runtime

import (
	"github.com/rcourtman/paygate/internal/metering"
)

var _ metering.Runtime = (*Runtime)(nil)

// NewMeteringEngine returns a decision engine for this page view driving r.
func (r *Runtime) NewMeteringEngine(regwall metering.Regwall) *metering.Engine {
	return metering.NewEngine(metering.Config{
		Runtime:  r,
		Regwall:  regwall,
		Events:   r.events,
		Page:     r.col.Document,
		Location: r.col.Location,
		Referrer: r.col.Referrer,
		Now:      r.col.Now,
	})
}
