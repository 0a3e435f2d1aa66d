package channel

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
)

const closeWriteTimeout = time.Second

type event interface{}

type connectCmd struct {
	url string
}

type closeCmd struct {
	code   int
	reason string
	done   chan struct{}
}

type dialResult struct {
	gen  uint64
	conn *websocket.Conn
	err  error
}

type frameEvent struct {
	gen  uint64
	data string
}

type closedEvent struct {
	gen  uint64
	code int
	err  error
}

type timerFired struct {
	gen uint64
}

// loopState is only touched by the run goroutine
type loopState struct {
	gen        uint64
	url        string
	attempts   int
	timer      *clock.Timer
	dialCancel context.CancelFunc
}

func (c *StreamChannel) run() {
	defer close(c.done)

	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

func (c *StreamChannel) handle(ev event) {
	switch ev := ev.(type) {
	case connectCmd:
		c.handleConnect(ev)
	case closeCmd:
		c.handleClose(ev)
	case dialResult:
		c.handleDial(ev)
	case frameEvent:
		if ev.gen == c.loop.gen {
			c.notifyMessage(ev.data)
		}
	case closedEvent:
		c.handleClosed(ev)
	case timerFired:
		if ev.gen == c.loop.gen && c.State() == StateDisconnected {
			c.loop.timer = nil
			c.startDial()
		}
	}
}

func (c *StreamChannel) handleConnect(cmd connectCmd) {
	switch c.State() {
	case StateConnecting, StateConnected:
		c.logger.Debug("connect ignored", logging.String("state", c.State().String()))
		return
	}

	c.stopTimer()
	c.loop.url = cmd.url
	c.loop.attempts = 0
	c.setLastError(nil)
	c.startDial()
}

func (c *StreamChannel) startDial() {
	c.loop.gen++
	gen := c.loop.gen
	endpoint := c.loop.url
	target := c.dialURL()

	ctx, cancel := context.WithCancel(context.Background())
	c.loop.dialCancel = cancel
	c.setState(StateConnecting)

	go func() {
		conn, resp, err := c.dialer.DialContext(ctx, target, c.dialHeader)
		if err != nil && resp != nil {
			status := resp.StatusCode
			_ = resp.Body.Close()
			err = tperrors.NetworkFailure("channel", endpoint, status, err)
		}
		if !c.post(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

// dialURL is the endpoint with the current token appended
func (c *StreamChannel) dialURL() string {
	if c.tokens == nil {
		return c.loop.url
	}
	token := c.tokens()
	if token == "" {
		return c.loop.url
	}
	u, err := url.Parse(c.loop.url)
	if err != nil {
		return c.loop.url
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *StreamChannel) handleDial(res dialResult) {
	if res.gen != c.loop.gen {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}
	c.cancelDial()

	if res.err != nil {
		var failure error = res.err
		if tperrors.KindOf(res.err) != tperrors.KindNetworkFailure {
			failure = tperrors.NetworkFailure("channel", c.loop.url, 0, res.err)
		}
		c.setLastError(failure)
		c.logger.Warn("stream channel dial failed", logging.ErrorField(res.err))
		c.setState(StateDisconnected)
		c.scheduleReconnect()
		return
	}

	c.connMu.Lock()
	c.active = res.conn
	c.connMu.Unlock()

	c.loop.attempts = 0
	c.setLastError(nil)
	c.setState(StateConnected)
	c.logger.Info("stream channel connected", logging.String("endpoint", c.loop.url))

	go c.readLoop(res.gen, res.conn)
}

func (c *StreamChannel) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			c.post(closedEvent{gen: gen, code: code, err: err})
			return
		}
		if !c.post(frameEvent{gen: gen, data: string(data)}) {
			return
		}
	}
}

func (c *StreamChannel) handleClosed(ev closedEvent) {
	if ev.gen != c.loop.gen || c.State() != StateConnected {
		return
	}
	c.dropConn()

	if ev.code == NormalClosure {
		c.logger.Info("stream channel closed by server")
		c.setState(StateDisconnected)
		return
	}

	c.setLastError(tperrors.NetworkFailure("channel", c.loop.url, 0, ev.err))
	c.logger.Warn("stream channel closed abnormally", logging.Int("code", ev.code))
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *StreamChannel) scheduleReconnect() {
	policy := c.config.Reconnect
	if c.loop.attempts >= policy.MaxAttempts {
		err := tperrors.ChannelExhausted(c.loop.url, c.loop.attempts)
		c.setLastError(err)
		c.logger.Error("stream channel gave up reconnecting", logging.Int("attempts", c.loop.attempts))
		return
	}

	c.loop.attempts++
	attempt := c.loop.attempts
	delay := policy.Delay(attempt)
	gen := c.loop.gen

	c.loop.timer = c.clock.AfterFunc(delay, func() {
		c.post(timerFired{gen: gen})
	})

	c.metrics.RecordReconnect(attempt, delay)
	c.logger.Info("stream channel reconnect scheduled",
		logging.Int("attempt", attempt),
		logging.Duration("delay", delay))
	c.notifyReconnect(attempt, delay)
}

func (c *StreamChannel) handleClose(cmd closeCmd) {
	defer close(cmd.done)

	c.stopTimer()
	c.cancelDial()
	c.loop.gen++

	if c.State() == StateDisconnected {
		return
	}
	c.setState(StateClosing)

	c.connMu.Lock()
	if c.active != nil {
		msg := websocket.FormatCloseMessage(cmd.code, cmd.reason)
		_ = c.active.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		_ = c.active.Close()
		c.active = nil
	}
	c.connMu.Unlock()

	c.setState(StateDisconnected)
}

func (c *StreamChannel) shutdown() {
	c.stopTimer()
	c.cancelDial()
	c.loop.gen++
	c.dropConn()
	c.setState(StateDisconnected)
}

func (c *StreamChannel) dropConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.active != nil {
		_ = c.active.Close()
		c.active = nil
	}
}

func (c *StreamChannel) stopTimer() {
	if c.loop.timer != nil {
		c.loop.timer.Stop()
		c.loop.timer = nil
	}
}

func (c *StreamChannel) cancelDial() {
	if c.loop.dialCancel != nil {
		c.loop.dialCancel()
		c.loop.dialCancel = nil
	}
}

func (c *StreamChannel) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.metrics.RecordChannelState(s.String())
	c.logger.Debug("stream channel state changed",
		logging.String("from", old.String()),
		logging.String("to", s.String()))

	c.obsMu.RLock()
	observers := append([]func(State){}, c.onState...)
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(s)
	}
}

func (c *StreamChannel) notifyMessage(msg string) {
	c.obsMu.RLock()
	observers := append([]func(string){}, c.onMessage...)
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(msg)
	}
}

func (c *StreamChannel) notifyReconnect(attempt int, delay time.Duration) {
	c.obsMu.RLock()
	observers := append([]func(int, time.Duration){}, c.onReconnect...)
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(attempt, delay)
	}
}
