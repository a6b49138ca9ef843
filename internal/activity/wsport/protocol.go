// Package wsport carries activity surfaces over websockets. The host side is
// an activity.Opener; the surface side is an http.Handler that upgrades
// connections from allowed origins.
package wsport

import (
	"encoding/json"
	"time"

	"github.com/rcourtman/paygate/internal/activity"
)

// Control envelope types. Everything else is a surface message.
const (
	typeOpen   = "activity.open"
	typeReady  = "activity.ready"
	typeResult = "activity.result"
	typeCancel = "activity.cancel"
	typeError  = "activity.error"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	bufferSize = 64 * 1024
	sendQueue  = 256
)

type errorPayload struct {
	Reason string `json:"reason"`
}

func control(typ string, payload any) ([]byte, error) {
	env := activity.Envelope{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
