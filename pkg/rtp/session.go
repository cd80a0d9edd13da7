package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// DefaultRecvQueueSize емкость входящей очереди сессии. 100 кадров по 20 мс
// дают примерно 2 секунды буфера.
const DefaultRecvQueueSize = 100

// SessionConfig параметры создания RTP сессии.
type SessionConfig struct {
	// CallID идентификатор звонка, которому принадлежит сессия.
	CallID string

	// PayloadType согласованный кодек (0 — PCMU, 8 — PCMA).
	PayloadType uint8

	// ClockRate частота RTP clock. 0 — DefaultClockRate.
	ClockRate uint32

	// RecvQueueSize емкость очереди входящих пакетов.
	// При переполнении вытесняется самый старый пакет.
	RecvQueueSize int
}

// IncomingPacket входящий RTP пакет, доставленный сессии.
type IncomingPacket struct {
	Payload        []byte
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
}

// SessionStats счетчики сессии.
type SessionStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsDropped  uint64
}

// Session исходящий и входящий RTP поток одного звонка.
//
// Исходящий поток несет стабильный SSRC, монотонный sequence number и
// timestamp, растущий на количество сэмплов кадра. Входящие пакеты
// кладутся в ограниченную очередь, доступную через Packets().
type Session struct {
	callID      string
	ssrc        uint32
	payloadType uint8
	clockRate   uint32

	// Атомарные счетчики исходящего потока. Sequence number хранится
	// в uint32, в заголовок попадают младшие 16 бит.
	sequenceNumber uint32
	timestamp      uint32

	engine *Engine
	remote atomic.Pointer[net.UDPAddr]

	recv chan *IncomingPacket

	packetsSent     uint64
	packetsReceived uint64
	bytesSent       uint64
	bytesReceived   uint64
	packetsDropped  uint64

	done      chan struct{}
	closeOnce sync.Once
}

// CallID возвращает идентификатор звонка сессии.
func (s *Session) CallID() string { return s.callID }

// SSRC возвращает идентификатор источника исходящего потока.
func (s *Session) SSRC() uint32 { return s.ssrc }

// PayloadType возвращает согласованный payload type.
func (s *Session) PayloadType() uint8 { return s.payloadType }

// RemoteAddr возвращает адрес назначения RTP или nil до SetRemote.
func (s *Session) RemoteAddr() *net.UDPAddr { return s.remote.Load() }

// SetRemote привязывает сессию к удаленному медиа адресу из SDP answer.
// После привязки входящие пакеты с этого адреса доставляются сессии.
func (s *Session) SetRemote(addr *net.UDPAddr) error {
	if addr == nil || addr.IP == nil || addr.Port == 0 {
		return newValidationError("set remote", "некорректный удаленный адрес")
	}
	if s.isClosed() {
		return newSessionError("set remote", "сессия %s закрыта", s.callID)
	}
	s.remote.Store(addr)
	return s.engine.bindRemote(s, addr)
}

// SendFrame отправляет один кадр G.711. Timestamp увеличивается на число
// сэмплов кадра (для G.711 байт и сэмплов поровну), sequence number — на 1.
func (s *Session) SendFrame(payload []byte) error {
	if s.isClosed() {
		return newSessionError("send", "сессия %s закрыта", s.callID)
	}
	if len(payload) == 0 {
		return newValidationError("send", "пустой payload")
	}

	remote := s.remote.Load()
	if remote == nil {
		return newSessionError("send", "удаленный адрес сессии %s не установлен", s.callID)
	}

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        ExpectedRTPVersion,
			PayloadType:    s.payloadType,
			SequenceNumber: uint16(atomic.AddUint32(&s.sequenceNumber, 1)),
			Timestamp:      atomic.AddUint32(&s.timestamp, uint32(len(payload))),
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}

	data, err := packet.Marshal()
	if err != nil {
		return newValidationError("send", "маршалинг RTP пакета: %v", err)
	}

	if _, err := s.engine.transport.WriteTo(data, remote); err != nil {
		return err
	}

	atomic.AddUint64(&s.packetsSent, 1)
	atomic.AddUint64(&s.bytesSent, uint64(len(payload)))
	m := getMetrics()
	m.packetsSent.Inc()
	m.bytesSent.Add(float64(len(payload)))
	return nil
}

// Packets возвращает очередь входящих пакетов сессии.
// Канал не закрывается, окончание сессии сигнализирует Done().
func (s *Session) Packets() <-chan *IncomingPacket { return s.recv }

// Done закрывается при завершении сессии.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stats возвращает снимок счетчиков сессии.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		PacketsSent:     atomic.LoadUint64(&s.packetsSent),
		PacketsReceived: atomic.LoadUint64(&s.packetsReceived),
		BytesSent:       atomic.LoadUint64(&s.bytesSent),
		BytesReceived:   atomic.LoadUint64(&s.bytesReceived),
		PacketsDropped:  atomic.LoadUint64(&s.packetsDropped),
	}
}

// Close завершает сессию и снимает привязку адреса в движке.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.engine.removeSession(s)
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// deliver кладет входящий пакет в очередь. При переполнении вытесняется
// самый старый пакет, чтобы свежее аудио не застревало за старым.
func (s *Session) deliver(pkt *IncomingPacket) {
	if s.isClosed() {
		return
	}

	atomic.AddUint64(&s.packetsReceived, 1)
	atomic.AddUint64(&s.bytesReceived, uint64(len(pkt.Payload)))
	m := getMetrics()
	m.packetsReceived.Inc()
	m.bytesReceived.Add(float64(len(pkt.Payload)))

	select {
	case s.recv <- pkt:
		return
	default:
	}

	// Очередь полна: освобождаем место и пробуем еще раз.
	select {
	case <-s.recv:
		atomic.AddUint64(&s.packetsDropped, 1)
		m.packetsDropped.WithLabelValues(dropReasonQueueFull).Inc()
	default:
	}
	select {
	case s.recv <- pkt:
	default:
		atomic.AddUint64(&s.packetsDropped, 1)
		m.packetsDropped.WithLabelValues(dropReasonQueueFull).Inc()
	}
}

// generateSSRC создает криптографически случайный SSRC согласно RFC 3550.
func generateSSRC() uint32 {
	var ssrc uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &ssrc); err != nil {
		return 0
	}
	return ssrc
}

// generateRandomUint16 создает случайное начальное значение sequence number.
func generateRandomUint16() uint16 {
	var v uint16
	if err := binary.Read(rand.Reader, binary.BigEndian, &v); err != nil {
		return 0
	}
	return v
}
