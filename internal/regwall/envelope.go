package regwall

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rcourtman/paygate/internal/gaa"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
)

// ErrForeignMessage is returned for messages without the sign-in stamp.
// They belong to someone else on the page and are ignored silently.
var ErrForeignMessage = errors.New("message is not a sign-in message")

// Envelope is the wire form of a cross-frame sign-in message.
type Envelope struct {
	Stamp       string          `json:"stamp"`
	Command     string          `json:"command"`
	GaaUser     json.RawMessage `json:"gaaUser,omitempty"`
	ReturnedJWT json.RawMessage `json:"returnedJwt,omitempty"`
}

// Message is one decoded sign-in message.
type Message interface {
	command() string
}

// Introduction lets the sign-in frame know who to talk to.
type Introduction struct{}

// User carries the signed-in reader. Exactly one of GaaUser and
// ReturnedJWT is set.
type User struct {
	GaaUser     json.RawMessage
	ReturnedJWT json.RawMessage
}

// Error reports that sign-in could not render.
type Error struct{}

// ButtonClick reports a click on one of the sign-in buttons. Button is one
// of the gaa button click commands.
type ButtonClick struct {
	Button string
}

func (Introduction) command() string  { return gaa.CommandIntroduction }
func (User) command() string          { return gaa.CommandUser }
func (Error) command() string         { return gaa.CommandError }
func (b ButtonClick) command() string { return b.Button }

// Decode parses data received from origin. Messages without the stamp yield
// ErrForeignMessage; messages from origins not in allowed, or with unknown
// commands, are protocol errors.
func Decode(origin string, data []byte, allowed []string) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrForeignMessage
	}
	if env.Stamp != gaa.PostMessageStamp {
		return nil, ErrForeignMessage
	}
	if !originAllowed(allowed, origin) {
		return nil, paygateerrors.Protocol("regwall_message", fmt.Errorf("origin %q is not allowed", origin))
	}

	switch env.Command {
	case gaa.CommandIntroduction:
		return Introduction{}, nil
	case gaa.CommandUser:
		if len(env.GaaUser) == 0 && len(env.ReturnedJWT) == 0 {
			return nil, paygateerrors.Protocol("regwall_message", errors.New("user message without credentials"))
		}
		return User{GaaUser: env.GaaUser, ReturnedJWT: env.ReturnedJWT}, nil
	case gaa.CommandError:
		return Error{}, nil
	case gaa.CommandGSIButtonClick, gaa.CommandSIWGButtonClick, gaa.Command3PButtonClick:
		return ButtonClick{Button: env.Command}, nil
	default:
		return nil, paygateerrors.Protocol("regwall_message", fmt.Errorf("unknown command %q", env.Command))
	}
}

// Encode builds the wire form of msg.
func Encode(msg Message) Envelope {
	env := Envelope{Stamp: gaa.PostMessageStamp, Command: msg.command()}
	if u, ok := msg.(User); ok {
		env.GaaUser, env.ReturnedJWT = u.GaaUser, u.ReturnedJWT
	}
	return env
}
