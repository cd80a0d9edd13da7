package telephony

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MatheusAbmix/abmix-telefone/pkg/bridge"
	"github.com/MatheusAbmix/abmix-telefone/pkg/rtp"
	"github.com/MatheusAbmix/abmix-telefone/pkg/sip"
	"github.com/gorilla/websocket"
	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const answerSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 203.0.113.5\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

type mockDialog struct {
	mu      sync.Mutex
	callID  string
	hangups int
	digits  []rune
}

func (d *mockDialog) CallID() string { return d.callID }
func (d *mockDialog) State() string  { return "" }

func (d *mockDialog) Hangup(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangups++
	return nil
}

func (d *mockDialog) SendDTMF(_ context.Context, digit rune) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.digits = append(d.digits, digit)
	return nil
}

func (d *mockDialog) hangupCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hangups
}

func (d *mockDialog) sentDigits() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.digits)
}

type mockSignaling struct {
	mu     sync.Mutex
	events chan sip.Event
	dialog *mockDialog

	invites []string
	offers  []string
}

func newMockSignaling() *mockSignaling {
	return &mockSignaling{
		events: make(chan sip.Event, 16),
		dialog: &mockDialog{callID: "call-1"},
	}
}

func (m *mockSignaling) Invite(_ context.Context, target string, sdpOffer []byte) (Dialog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invites = append(m.invites, target)
	m.offers = append(m.offers, string(sdpOffer))
	return m.dialog, nil
}

func (m *mockSignaling) Events() <-chan sip.Event { return m.events }

func (m *mockSignaling) inviteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invites)
}

func (m *mockSignaling) lastOffer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.offers) == 0 {
		return ""
	}
	return m.offers[len(m.offers)-1]
}

type mockRegistrar struct {
	mu        sync.Mutex
	state     string
	err       error
	registers int
}

func (r *mockRegistrar) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *mockRegistrar) Register(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registers++
	if r.err != nil {
		return r.err
	}
	r.state = sip.RegStateRegistered
	return nil
}

func (r *mockRegistrar) registerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registers
}

// testTransport транспорт без сети для RTP движка.
type testTransport struct {
	incoming chan incomingDatagram
	sent     chan sentDatagram
	local    *net.UDPAddr
	done     chan struct{}
	once     sync.Once
}

type incomingDatagram struct {
	data []byte
	addr *net.UDPAddr
}

type sentDatagram struct {
	data []byte
	addr *net.UDPAddr
}

func newTestTransport() *testTransport {
	return &testTransport{
		incoming: make(chan incomingDatagram, 16),
		sent:     make(chan sentDatagram, 64),
		local:    &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5004},
		done:     make(chan struct{}),
	}
}

func (t *testTransport) WriteTo(data []byte, addr *net.UDPAddr) (int, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case t.sent <- sentDatagram{data: buf, addr: addr}:
	default:
	}
	return len(data), nil
}

func (t *testTransport) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	select {
	case in := <-t.incoming:
		n := copy(buf, in.data)
		return n, in.addr, nil
	case <-t.done:
		return 0, nil, net.ErrClosed
	}
}

func (t *testTransport) LocalAddr() *net.UDPAddr { return t.local }

func (t *testTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *testTransport) inject(tb testing.TB, payload []byte, addr *net.UDPAddr) {
	tb.Helper()
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: 100,
			Timestamp:      160,
			SSRC:           0xDEADBEEF,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	require.NoError(tb, err)
	t.incoming <- incomingDatagram{data: data, addr: addr}
}

type testEnv struct {
	controller *Controller
	signaling  *mockSignaling
	registrar  *mockRegistrar
	transport  *testTransport
	engine     *rtp.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	transport := newTestTransport()
	engine, err := rtp.NewEngine(rtp.EngineConfig{Transport: transport})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)

	signaling := newMockSignaling()
	registrar := &mockRegistrar{state: sip.RegStateUnregistered}

	controller, err := newController(Config{
		PublicIP:   "198.51.100.10",
		FromNumber: "5511988880000",
		DigitDelay: time.Millisecond,
	}, signaling, registrar, engine, nil)
	require.NoError(t, err)

	go controller.Run(ctx)

	t.Cleanup(func() {
		controller.Close()
		cancel()
		engine.Close()
	})

	return &testEnv{
		controller: controller,
		signaling:  signaling,
		registrar:  registrar,
		transport:  transport,
		engine:     engine,
	}
}

func (env *testEnv) waitStatus(t *testing.T, callID string, status CallStatus) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		s, err := env.controller.Status(callID)
		if err != nil {
			return false
		}
		snap = s
		return s.Status == status
	}, 2*time.Second, 5*time.Millisecond, "статус %s не достигнут", status)
	return snap
}

func (env *testEnv) answer(t *testing.T) string {
	t.Helper()
	callID, err := env.controller.Dial(context.Background(), "5511999990000", "none")
	require.NoError(t, err)
	env.signaling.events <- sip.Event{Type: sip.EventAnswered, CallID: callID, Status: 200, Body: []byte(answerSDP)}
	env.waitStatus(t, callID, StatusAnswered)
	return callID
}

func TestDialHappyPath(t *testing.T) {
	env := newTestEnv(t)

	callID, err := env.controller.Dial(context.Background(), "5511999990000", "none")
	require.NoError(t, err)
	require.Equal(t, "call-1", callID)

	// Регистрация выполнена до INVITE.
	assert.Equal(t, 1, env.registrar.registerCount())
	assert.Equal(t, 1, env.signaling.inviteCount())
	assert.Contains(t, env.signaling.lastOffer(), "c=IN IP4 198.51.100.10")

	snap, err := env.controller.Status(callID)
	require.NoError(t, err)
	assert.Equal(t, StatusInitiating, snap.Status)
	assert.Equal(t, "5511999990000", snap.ToNumber)
	assert.Equal(t, "5511988880000", snap.FromNumber)

	env.signaling.events <- sip.Event{Type: sip.EventRinging, CallID: callID, Status: 180}
	env.waitStatus(t, callID, StatusRinging)

	env.signaling.events <- sip.Event{Type: sip.EventAnswered, CallID: callID, Status: 200, Body: []byte(answerSDP)}
	env.waitStatus(t, callID, StatusAnswered)

	assert.Equal(t, 1, env.engine.SessionCount())
	assert.Len(t, env.controller.ActiveCalls(), 1)
}

func TestDialRequiresRegistration(t *testing.T) {
	env := newTestEnv(t)
	env.registrar.err = sip.ErrAuthFailed

	_, err := env.controller.Dial(context.Background(), "5511999990000", "none")
	require.Error(t, err)
	assert.ErrorIs(t, err, sip.ErrAuthFailed)
	// INVITE без регистрации не отправляется.
	assert.Equal(t, 0, env.signaling.inviteCount())
}

func TestDialSkipsRegistrationWhenRegistered(t *testing.T) {
	env := newTestEnv(t)
	env.registrar.state = sip.RegStateRegistered

	_, err := env.controller.Dial(context.Background(), "5511999990000", "none")
	require.NoError(t, err)
	assert.Equal(t, 0, env.registrar.registerCount())
}

func TestDialValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.controller.Dial(context.Background(), "", "none")
	assert.Error(t, err)

	_, err = env.controller.Dial(context.Background(), "5511999990000", "robotic")
	assert.Error(t, err)
	assert.Equal(t, 0, env.signaling.inviteCount())
}

func TestBusyCall(t *testing.T) {
	env := newTestEnv(t)

	callID, err := env.controller.Dial(context.Background(), "5511999990000", "none")
	require.NoError(t, err)

	env.signaling.events <- sip.Event{Type: sip.EventBusy, CallID: callID, Status: 486, Reason: "Busy Here"}

	snap := env.waitStatus(t, callID, StatusFailed)
	assert.Contains(t, snap.LastError, "занят")
	// RTP сессия для неотвеченного звонка не создается.
	assert.Equal(t, 0, env.engine.SessionCount())
}

func TestRemoteHangup(t *testing.T) {
	env := newTestEnv(t)
	callID := env.answer(t)

	require.Equal(t, 1, env.engine.SessionCount())

	env.signaling.events <- sip.Event{Type: sip.EventTerminated, CallID: callID, Reason: "завершен удаленной стороной"}

	snap := env.waitStatus(t, callID, StatusEnded)
	assert.Empty(t, snap.LastError)
	assert.False(t, snap.EndTime.IsZero())

	require.Eventually(t, func() bool {
		return env.engine.SessionCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, env.controller.ActiveCalls())
}

func TestHangupIdempotent(t *testing.T) {
	env := newTestEnv(t)
	callID := env.answer(t)

	require.NoError(t, env.controller.Hangup(context.Background(), callID))
	assert.Equal(t, 1, env.signaling.dialog.hangupCount())
	env.waitStatus(t, callID, StatusEnded)

	// Повторное завершение без сетевых операций.
	require.NoError(t, env.controller.Hangup(context.Background(), callID))
	assert.Equal(t, 1, env.signaling.dialog.hangupCount())

	require.NoError(t, env.controller.Hangup(context.Background(), "unknown"))
}

func TestSendDigits(t *testing.T) {
	env := newTestEnv(t)

	callID, err := env.controller.Dial(context.Background(), "5511999990000", "none")
	require.NoError(t, err)

	// До ответа DTMF недоступен.
	assert.ErrorIs(t, env.controller.SendDigits(context.Background(), callID, "1"), ErrNoActiveCall)
	assert.ErrorIs(t, env.controller.SendDigits(context.Background(), "unknown", "1"), ErrNoActiveCall)

	env.signaling.events <- sip.Event{Type: sip.EventAnswered, CallID: callID, Status: 200, Body: []byte(answerSDP)}
	env.waitStatus(t, callID, StatusAnswered)

	require.NoError(t, env.controller.SendDigits(context.Background(), callID, "12#"))
	assert.Equal(t, "12#", env.signaling.dialog.sentDigits())
}

func TestTransparentRelay(t *testing.T) {
	env := newTestEnv(t)
	env.answer(t)

	// Кадр от удаленной стороны ретранслируется обратно без изменений.
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0xAB
	}
	remote := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 40000}
	env.transport.inject(t, payload, remote)

	require.Eventually(t, func() bool {
		select {
		case out := <-env.transport.sent:
			var pkt pionrtp.Packet
			require.NoError(t, pkt.Unmarshal(out.data))
			assert.Equal(t, payload, pkt.Payload)
			assert.Equal(t, remote.String(), out.addr.String())
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "ретранслированный кадр не отправлен")
}

func TestAnsweredWithBadSDP(t *testing.T) {
	env := newTestEnv(t)

	callID, err := env.controller.Dial(context.Background(), "5511999990000", "none")
	require.NoError(t, err)

	env.signaling.events <- sip.Event{Type: sip.EventAnswered, CallID: callID, Status: 200, Body: []byte("мусор")}

	snap := env.waitStatus(t, callID, StatusFailed)
	assert.Contains(t, snap.LastError, "SDP")
	assert.Equal(t, 0, env.engine.SessionCount())
	// Диалог завершается, чтобы не оставить звонок висеть на транке.
	require.Eventually(t, func() bool {
		return env.signaling.dialog.hangupCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestToggleConversionWithoutBridge(t *testing.T) {
	env := newTestEnv(t)
	assert.Error(t, env.controller.ToggleConversion("call-1", true))
	assert.Equal(t, 0, env.controller.PipelineStats().ActiveSessions)
}

func TestDialWithVoiceBridge(t *testing.T) {
	upgrader := websocket.Upgrader{}
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer echo.Close()
	wsURL := "ws" + strings.TrimPrefix(echo.URL, "http")

	voiceBridge, err := bridge.NewManager(bridge.Config{
		RecognitionURL: wsURL,
		SynthesisURL:   wsURL,
	})
	require.NoError(t, err)
	defer voiceBridge.Close()

	transport := newTestTransport()
	engine, err := rtp.NewEngine(rtp.EngineConfig{Transport: transport})
	require.NoError(t, err)
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)

	signaling := newMockSignaling()
	registrar := &mockRegistrar{state: sip.RegStateRegistered}

	controller, err := newController(Config{PublicIP: "198.51.100.10"}, signaling, registrar, engine, voiceBridge)
	require.NoError(t, err)
	go controller.Run(ctx)
	defer controller.Close()

	callID, err := controller.Dial(ctx, "5511999990000", "masculine")
	require.NoError(t, err)

	signaling.events <- sip.Event{Type: sip.EventAnswered, CallID: callID, Status: 200, Body: []byte(answerSDP)}

	require.Eventually(t, func() bool {
		snap, err := controller.Status(callID)
		return err == nil && snap.Status == StatusAnswered && voiceBridge.Stats().ActiveSessions == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, controller.ToggleConversion(callID, false))
	assert.False(t, voiceBridge.SessionEnabled(callID))

	require.NoError(t, controller.Hangup(ctx, callID))
	require.Eventually(t, func() bool {
		return voiceBridge.Stats().ActiveSessions == 0
	}, 2*time.Second, 5*time.Millisecond)
}
