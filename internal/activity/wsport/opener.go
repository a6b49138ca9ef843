package wsport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/activity"
	"github.com/rcourtman/paygate/internal/async"
	paygateerrors "github.com/rcourtman/paygate/internal/errors"
)

// Opener dials a surface server for every view.
type Opener struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewOpener returns an opener for the websocket endpoint at url.
func NewOpener(url string) *Opener {
	return &Opener{URL: url, Dialer: websocket.DefaultDialer}
}

func (o *Opener) Open(ctx context.Context, req activity.Request, deliver func(activity.Envelope)) (activity.Port, error) {
	dialer := o.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, o.URL, o.Header)
	if err != nil {
		return nil, paygateerrors.NewAccessError(paygateerrors.ErrorTypeTransport, "dial_surface", err)
	}

	hello, err := control(typeOpen, req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return nil, paygateerrors.NewAccessError(paygateerrors.ErrorTypeTransport, "open_surface", err)
	}

	p := &port{
		conn:    conn,
		deliver: deliver,
		ready:   async.NewPromise[struct{}](),
		result:  async.NewPromise[activity.Result](),
		done:    make(chan struct{}),
	}
	go p.readPump()
	return p, nil
}

type port struct {
	conn    *websocket.Conn
	deliver func(activity.Envelope)

	writeMu sync.Mutex
	closeMu sync.Once

	ready  *async.Promise[struct{}]
	result *async.Promise[activity.Result]
	done   chan struct{}
}

func (p *port) Send(ctx context.Context, env activity.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(deadline)
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return paygateerrors.NewAccessError(paygateerrors.ErrorTypeTransport, "send", err)
	}
	return nil
}

func (p *port) WhenReady(ctx context.Context) error {
	_, err := p.ready.Wait(ctx)
	return err
}

func (p *port) AcceptResult(ctx context.Context) (activity.Result, error) {
	return p.result.Wait(ctx)
}

func (p *port) Close() error {
	var err error
	p.closeMu.Do(func() {
		p.result.Reject(activity.ErrClosed)
		p.ready.Reject(activity.ErrClosed)
		p.writeMu.Lock()
		p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		p.writeMu.Unlock()
		err = p.conn.Close()
	})
	return err
}

func (p *port) readPump() {
	defer close(p.done)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Surface connection lost")
			}
			cause := paygateerrors.NewAccessError(paygateerrors.ErrorTypeTransport, "read", err)
			p.ready.Reject(cause)
			p.result.Reject(cause)
			return
		}

		var env activity.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed surface frame")
			continue
		}

		switch env.Type {
		case typeReady:
			p.ready.Resolve(struct{}{})
		case typeResult:
			var res activity.Result
			if err := json.Unmarshal(env.Payload, &res); err != nil {
				p.result.Reject(paygateerrors.Protocol("result", err))
				continue
			}
			p.result.Resolve(res)
		case typeCancel:
			p.result.Reject(fmt.Errorf("surface dismissed: %w", paygateerrors.ErrAborted))
		case typeError:
			var e errorPayload
			_ = json.Unmarshal(env.Payload, &e)
			p.result.Reject(paygateerrors.Protocol("surface", errors.New(e.Reason)))
		default:
			p.deliver(env)
		}
	}
}
