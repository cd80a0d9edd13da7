package rtp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPacket пакет, прошедший через mock транспорт.
type mockPacket struct {
	data []byte
	addr *net.UDPAddr
}

// mockTransport транспорт на каналах для тестов без реальных сокетов.
type mockTransport struct {
	incoming chan mockPacket
	sent     chan mockPacket
	local    *net.UDPAddr

	closed    chan struct{}
	closeOnce sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		incoming: make(chan mockPacket, 100),
		sent:     make(chan mockPacket, 100),
		local:    &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10000},
		closed:   make(chan struct{}),
	}
}

func (t *mockTransport) WriteTo(data []byte, addr *net.UDPAddr) (int, error) {
	select {
	case <-t.closed:
		return 0, newSessionError("send", "транспорт закрыт")
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	t.sent <- mockPacket{data: buf, addr: addr}
	return len(data), nil
}

func (t *mockTransport) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	select {
	case pkt := <-t.incoming:
		n := copy(buf, pkt.data)
		return n, pkt.addr, nil
	case <-t.closed:
		return 0, nil, classifyNetworkError("UDP read", net.ErrClosed)
	}
}

func (t *mockTransport) LocalAddr() *net.UDPAddr { return t.local }

func (t *mockTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// inject подает входящий RTP пакет с указанного адреса.
func (t *mockTransport) inject(tb testing.TB, ssrc uint32, seq uint16, payload []byte, addr *net.UDPAddr) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        ExpectedRTPVersion,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * SamplesPerFrame,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	require.NoError(tb, err)
	t.incoming <- mockPacket{data: data, addr: addr}
}

func testEngine(t *testing.T) (*Engine, *mockTransport) {
	t.Helper()
	transport := newMockTransport()
	engine, err := NewEngine(EngineConfig{Transport: transport})
	require.NoError(t, err)
	engine.Start(context.Background())
	t.Cleanup(func() { engine.Close() })
	return engine, transport
}

func waitPacket(t *testing.T, s *Session) *IncomingPacket {
	t.Helper()
	select {
	case pkt := <-s.Packets():
		return pkt
	case <-time.After(time.Second):
		t.Fatal("пакет не доставлен")
		return nil
	}
}

func TestEngineDemultiplexesBySourceAddr(t *testing.T) {
	engine, transport := testEngine(t)

	addrA := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 7000}
	addrB := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 2), Port: 7002}

	sessionA, err := engine.CreateSession(SessionConfig{CallID: "call-a", PayloadType: 0})
	require.NoError(t, err)
	sessionB, err := engine.CreateSession(SessionConfig{CallID: "call-b", PayloadType: 0})
	require.NoError(t, err)

	require.NoError(t, sessionA.SetRemote(addrA))
	require.NoError(t, sessionB.SetRemote(addrB))

	transport.inject(t, 111, 1, []byte("aaaa aaaa aaaa aa"), addrA)
	transport.inject(t, 222, 1, []byte("bbbb bbbb bbbb bb"), addrB)

	pktA := waitPacket(t, sessionA)
	assert.Equal(t, uint32(111), pktA.SSRC)

	pktB := waitPacket(t, sessionB)
	assert.Equal(t, uint32(222), pktB.SSRC)

	// Пакеты не должны попадать в чужие сессии.
	select {
	case <-sessionA.Packets():
		t.Fatal("лишний пакет в сессии A")
	case <-sessionB.Packets():
		t.Fatal("лишний пакет в сессии B")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineUnknownSourceDroppedWithMultipleSessions(t *testing.T) {
	engine, transport := testEngine(t)

	sessionA, err := engine.CreateSession(SessionConfig{CallID: "call-a"})
	require.NoError(t, err)
	sessionB, err := engine.CreateSession(SessionConfig{CallID: "call-b"})
	require.NoError(t, err)

	unknown := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 99), Port: 9999}
	transport.inject(t, 333, 1, []byte("xxxx xxxx xxxx xx"), unknown)

	select {
	case <-sessionA.Packets():
		t.Fatal("пакет с незнакомого адреса попал в сессию A")
	case <-sessionB.Packets():
		t.Fatal("пакет с незнакомого адреса попал в сессию B")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineSingleSessionFallback(t *testing.T) {
	engine, transport := testEngine(t)

	session, err := engine.CreateSession(SessionConfig{CallID: "call-only"})
	require.NoError(t, err)

	// Адрес источника не привязан, но сессия единственная.
	unknown := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 50), Port: 12000}
	transport.inject(t, 444, 1, []byte("yyyy yyyy yyyy yy"), unknown)

	pkt := waitPacket(t, session)
	assert.Equal(t, uint32(444), pkt.SSRC)
}

func TestEngineDropsInvalidPackets(t *testing.T) {
	engine, transport := testEngine(t)

	session, err := engine.CreateSession(SessionConfig{CallID: "call-only"})
	require.NoError(t, err)

	addr := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 7000}
	require.NoError(t, session.SetRemote(addr))

	// Слишком короткий пакет.
	transport.incoming <- mockPacket{data: []byte{0x80, 0x00}, addr: addr}
	// Неверная версия RTP.
	bad := make([]byte, MinRTPPacketSize)
	bad[0] = 0x40
	transport.incoming <- mockPacket{data: bad, addr: addr}

	select {
	case <-session.Packets():
		t.Fatal("невалидный пакет доставлен сессии")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineRejectsDuplicateCallID(t *testing.T) {
	engine, _ := testEngine(t)

	_, err := engine.CreateSession(SessionConfig{CallID: "call-1"})
	require.NoError(t, err)

	_, err = engine.CreateSession(SessionConfig{CallID: "call-1"})
	require.Error(t, err)

	var classified *ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, ErrorCategorySession, classified.Category)
}

func TestSessionCloseUnbindsRemote(t *testing.T) {
	engine, transport := testEngine(t)

	addr := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 7000}

	session, err := engine.CreateSession(SessionConfig{CallID: "call-1"})
	require.NoError(t, err)
	require.NoError(t, session.SetRemote(addr))

	session.Close()
	assert.Equal(t, 0, engine.SessionCount())

	// После закрытия адрес можно привязать к новому звонку.
	next, err := engine.CreateSession(SessionConfig{CallID: "call-2"})
	require.NoError(t, err)
	require.NoError(t, next.SetRemote(addr))

	transport.inject(t, 555, 1, []byte("zzzz zzzz zzzz zz"), addr)
	pkt := waitPacket(t, next)
	assert.Equal(t, uint32(555), pkt.SSRC)
}
