package ws

import (
	"errors"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findEffect[T effect](effects []effect) (T, bool) {
	for _, e := range effects {
		if v, ok := e.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func testMachine() machine {
	return newMachine(DefaultMaxReconnect, DefaultRetryBase, DefaultRetryMax)
}

func TestBackoff(t *testing.T) {
	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempts, want := range expected {
		if got := Backoff(attempts, DefaultRetryBase, DefaultRetryMax); got != want {
			t.Errorf("Backoff(%d): expected %v, got %v", attempts, want, got)
		}
	}
}

func TestMachine_Connect(t *testing.T) {
	m, effects := testMachine().step(evConnect{})
	assert.Equal(t, Connecting, m.state)
	assert.Equal(t, []effect{effDial{}, effArmTimeout{}}, effects)

	// A second connect while one is in flight is ignored.
	m2, effects := m.step(evConnect{})
	assert.Equal(t, Connecting, m2.state)
	assert.Empty(t, effects)
}

func TestMachine_Opened(t *testing.T) {
	conn := &fakeConn{}
	m, _ := testMachine().step(evConnect{})
	m, effects := m.step(evOpened{conn: conn})

	assert.Equal(t, Open, m.state)
	_, ok := findEffect[effDisarmTimeout](effects)
	assert.True(t, ok, "timeout must be disarmed")
	attach, ok := findEffect[effAttach](effects)
	require.True(t, ok)
	assert.Same(t, conn, attach.conn)
	_, ok = findEffect[effStartHeartbeat](effects)
	assert.True(t, ok)
	notify, ok := findEffect[effNotify](effects)
	require.True(t, ok)
	assert.True(t, notify.connected)
}

func TestMachine_ReconnectSchedule(t *testing.T) {
	m, _ := testMachine().step(evConnect{})
	m, _ = m.step(evOpened{conn: &fakeConn{}})

	var delays []time.Duration
	ev := event(evClosed{code: 1011})
	for {
		var effects []effect
		m, effects = m.step(ev)
		retry, ok := findEffect[effScheduleRetry](effects)
		if !ok {
			notify, ok := findEffect[effNotify](effects)
			require.True(t, ok)
			assert.ErrorIs(t, notify.err, models.ErrReconnectExhausted)
			break
		}
		assert.Equal(t, Reconnecting, m.state)
		assert.Equal(t, len(delays)+1, retry.attempt)
		delays = append(delays, retry.delay)

		m, effects = m.step(evRetry{})
		require.Equal(t, Connecting, m.state, "reconnect must pass through connecting")
		_, ok = findEffect[effDial](effects)
		require.True(t, ok)
		ev = evDialFailed{err: errors.New("connection refused")}
	}

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, delays)
	assert.Equal(t, Closed, m.state)
}

func TestMachine_AbnormalCloseCarriesCode(t *testing.T) {
	m, _ := testMachine().step(evConnect{})
	m, _ = m.step(evOpened{conn: &fakeConn{}})
	m, effects := m.step(evClosed{code: 1011})

	assert.Equal(t, Reconnecting, m.state)
	notify, ok := findEffect[effNotify](effects)
	require.True(t, ok)
	var te *models.TransportError
	require.ErrorAs(t, notify.err, &te)
	assert.Equal(t, 1011, te.Code)
	_, ok = findEffect[effStopHeartbeat](effects)
	assert.True(t, ok)
}

func TestMachine_OpenResetsAttempts(t *testing.T) {
	m, _ := testMachine().step(evConnect{})
	m, _ = m.step(evDialFailed{err: errors.New("refused")})
	m, _ = m.step(evRetry{})
	m, _ = m.step(evDialFailed{err: errors.New("refused")})
	require.Equal(t, 2, m.attempts)

	m, _ = m.step(evRetry{})
	m, _ = m.step(evOpened{conn: &fakeConn{}})
	assert.Equal(t, 0, m.attempts)

	_, effects := m.step(evClosed{code: 1006})
	retry, ok := findEffect[effScheduleRetry](effects)
	require.True(t, ok)
	assert.Equal(t, time.Second, retry.delay)
}

func TestMachine_NormalCloseIsTerminal(t *testing.T) {
	for _, code := range []int{1000, 1001} {
		m, _ := testMachine().step(evConnect{})
		m, _ = m.step(evOpened{conn: &fakeConn{}})
		m, effects := m.step(evClosed{code: code})

		assert.Equal(t, Closed, m.state, "code %d", code)
		_, ok := findEffect[effScheduleRetry](effects)
		assert.False(t, ok, "code %d must not reconnect", code)
		notify, ok := findEffect[effNotify](effects)
		require.True(t, ok)
		assert.NoError(t, notify.err)
	}
}

func TestMachine_Timeout(t *testing.T) {
	m, _ := testMachine().step(evConnect{})
	m, effects := m.step(evTimeout{})
	assert.Equal(t, Closing, m.state)
	assert.Equal(t, []effect{effAbortDial{}}, effects)

	t.Run("DialAborted", func(t *testing.T) {
		next, effects := m.step(evDialFailed{err: errors.New("context canceled")})
		assert.Equal(t, Reconnecting, next.state)
		notify, ok := findEffect[effNotify](effects)
		require.True(t, ok)
		assert.ErrorIs(t, notify.err, models.ErrConnectionTimeout)
	})

	t.Run("DialWonRace", func(t *testing.T) {
		conn := &fakeConn{}
		next, effects := m.step(evOpened{conn: conn})
		assert.Equal(t, Reconnecting, next.state)
		discard, ok := findEffect[effDiscard](effects)
		require.True(t, ok)
		assert.Same(t, conn, discard.conn)
	})
}

func TestMachine_PingFailed(t *testing.T) {
	m, _ := testMachine().step(evConnect{})
	m, _ = m.step(evOpened{conn: &fakeConn{}})
	m, effects := m.step(evPingFailed{err: errors.New("broken pipe")})

	assert.Equal(t, Closing, m.state)
	_, ok := findEffect[effClose](effects)
	assert.True(t, ok)

	m, effects = m.step(evClosed{code: 1006})
	assert.Equal(t, Reconnecting, m.state)
	notify, ok := findEffect[effNotify](effects)
	require.True(t, ok)
	assert.ErrorIs(t, notify.err, models.ErrTransport)
}

func TestMachine_AuthFailed(t *testing.T) {
	m, _ := testMachine().step(evConnect{})
	m, effects := m.step(evAuthFailed{err: models.ErrAuth})

	assert.Equal(t, Closed, m.state)
	_, ok := findEffect[effScheduleRetry](effects)
	assert.False(t, ok)
}

func TestMachine_Disconnect(t *testing.T) {
	m, _ := testMachine().step(evConnect{})
	m, _ = m.step(evDialFailed{err: errors.New("refused")})
	require.Equal(t, Reconnecting, m.state)

	m, effects := m.step(evDisconnect{})
	assert.Equal(t, Closed, m.state)
	assert.Equal(t, 0, m.attempts)
	for _, want := range []effect{effDisarmTimeout{}, effStopHeartbeat{}, effCancelRetry{}, effAbortDial{}, effDetach{}} {
		assert.Contains(t, effects, want)
	}
	closeEff, ok := findEffect[effClose](effects)
	require.True(t, ok)
	assert.Equal(t, 1000, closeEff.code)

	// The retry timer may still fire; it must not revive the connection.
	m, effects = m.step(evRetry{})
	assert.Equal(t, Closed, m.state)
	assert.Empty(t, effects)

	// A fresh connect is possible afterwards.
	m, _ = m.step(evConnect{})
	assert.Equal(t, Connecting, m.state)
}

func TestMachine_IgnoresOutOfStateEvents(t *testing.T) {
	events := []event{evRetry{}, evTimeout{}, evClosed{code: 1006}, evPingFailed{}, evDialFailed{}}
	for _, ev := range events {
		m, effects := testMachine().step(ev)
		assert.Equal(t, Idle, m.state, "%T", ev)
		assert.Empty(t, effects, "%T", ev)
	}
}
