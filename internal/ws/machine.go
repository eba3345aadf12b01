package ws

import (
	"fmt"
	"time"

	"chatsync/internal/models"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a room connection.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	DefaultRetryBase = time.Second
	DefaultRetryMax  = 30 * time.Second
)

// Backoff returns min(base * 2^attempts, max).
func Backoff(attempts int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}

// Events fed into the machine. Runtime data (the dialed socket) rides along
// untouched so the machine can hand it back in an effect.
type event interface{ isEvent() }

type (
	evConnect    struct{}
	evOpened     struct{ conn Conn }
	evDialFailed struct{ err error }
	evAuthFailed struct{ err error }
	evTimeout    struct{}
	evClosed     struct {
		code int
		err  error
	}
	evPingFailed struct{ err error }
	evRetry      struct{}
	evDisconnect struct{}
)

func (evConnect) isEvent()    {}
func (evOpened) isEvent()     {}
func (evDialFailed) isEvent() {}
func (evAuthFailed) isEvent() {}
func (evTimeout) isEvent()    {}
func (evClosed) isEvent()     {}
func (evPingFailed) isEvent() {}
func (evRetry) isEvent()      {}
func (evDisconnect) isEvent() {}

// Effects are executed by the Manager after a transition.
type effect interface{ isEffect() }

type (
	effDial           struct{}
	effAbortDial      struct{}
	effArmTimeout     struct{}
	effDisarmTimeout  struct{}
	effAttach         struct{ conn Conn }
	effDiscard        struct{ conn Conn }
	effStartHeartbeat struct{}
	effStopHeartbeat  struct{}
	effScheduleRetry  struct {
		delay   time.Duration
		attempt int
	}
	effCancelRetry struct{}
	effDetach      struct{}
	effClose       struct {
		code   int
		reason string
	}
	effNotify struct {
		connected bool
		err       error
	}
)

func (effDial) isEffect()           {}
func (effAbortDial) isEffect()      {}
func (effArmTimeout) isEffect()     {}
func (effDisarmTimeout) isEffect()  {}
func (effAttach) isEffect()         {}
func (effDiscard) isEffect()        {}
func (effStartHeartbeat) isEffect() {}
func (effStopHeartbeat) isEffect()  {}
func (effScheduleRetry) isEffect()  {}
func (effCancelRetry) isEffect()    {}
func (effDetach) isEffect()         {}
func (effClose) isEffect()          {}
func (effNotify) isEffect()         {}

// machine is the pure connection state machine. step never performs I/O.
type machine struct {
	state       State
	attempts    int
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
	// cause is the failure being torn down while in Closing.
	cause error
}

func newMachine(maxAttempts int, retryBase, retryMax time.Duration) machine {
	return machine{
		state:       Idle,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		retryMax:    retryMax,
	}
}

func (m machine) step(ev event) (machine, []effect) {
	switch ev := ev.(type) {
	case evConnect:
		if m.state != Idle && m.state != Closed {
			return m, nil
		}
		m.state = Connecting
		m.attempts = 0
		m.cause = nil
		return m, []effect{effDial{}, effArmTimeout{}}

	case evOpened:
		switch m.state {
		case Connecting:
			m.state = Open
			m.attempts = 0
			return m, []effect{
				effDisarmTimeout{},
				effAttach{conn: ev.conn},
				effStartHeartbeat{},
				effNotify{connected: true},
			}
		case Closing:
			// The dial won the race against the timeout.
			return m.failure(m.cause, effDiscard{conn: ev.conn})
		}
		return m, []effect{effDiscard{conn: ev.conn}}

	case evDialFailed:
		switch m.state {
		case Connecting:
			return m.failure(&models.TransportError{Code: websocket.CloseAbnormalClosure, Err: ev.err}, effDisarmTimeout{})
		case Closing:
			return m.failure(m.cause)
		}

	case evAuthFailed:
		if m.state != Connecting && m.state != Closing {
			return m, nil
		}
		m.state = Closed
		m.cause = nil
		return m, []effect{effDisarmTimeout{}, effNotify{err: ev.err}}

	case evTimeout:
		if m.state != Connecting {
			return m, nil
		}
		m.state = Closing
		m.cause = models.ErrConnectionTimeout
		return m, []effect{effAbortDial{}}

	case evPingFailed:
		if m.state != Open {
			return m, nil
		}
		m.state = Closing
		m.cause = &models.TransportError{Code: websocket.CloseAbnormalClosure, Err: ev.err}
		return m, []effect{effStopHeartbeat{}, effClose{code: websocket.CloseAbnormalClosure}}

	case evClosed:
		switch m.state {
		case Open:
			if ev.code == websocket.CloseNormalClosure || ev.code == websocket.CloseGoingAway {
				m.state = Closed
				return m, []effect{effStopHeartbeat{}, effDetach{}, effNotify{}}
			}
			return m.failure(&models.TransportError{Code: ev.code, Err: ev.err}, effStopHeartbeat{}, effDetach{})
		case Closing:
			return m.failure(m.cause, effDetach{})
		}

	case evRetry:
		if m.state != Reconnecting {
			return m, nil
		}
		m.state = Connecting
		return m, []effect{effDial{}, effArmTimeout{}}

	case evDisconnect:
		m.state = Closed
		m.attempts = 0
		m.cause = nil
		return m, []effect{
			effDisarmTimeout{},
			effStopHeartbeat{},
			effCancelRetry{},
			effAbortDial{},
			effClose{code: websocket.CloseNormalClosure, reason: "client disconnect"},
			effDetach{},
			effNotify{},
		}
	}
	return m, nil
}

// failure either schedules the next reconnect or gives up for good.
func (m machine) failure(cause error, pre ...effect) (machine, []effect) {
	m.cause = nil
	effects := pre
	if m.attempts < m.maxAttempts {
		delay := Backoff(m.attempts, m.retryBase, m.retryMax)
		m.attempts++
		m.state = Reconnecting
		return m, append(effects,
			effScheduleRetry{delay: delay, attempt: m.attempts},
			effNotify{err: cause},
		)
	}
	m.state = Closed
	return m, append(effects, effNotify{err: fmt.Errorf("%w: %w", models.ErrReconnectExhausted, cause)})
}
