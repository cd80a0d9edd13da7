package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/rtp"
)

// ssrcString форматирует SSRC для журнала.
func ssrcString(ssrc uint32) string { return fmt.Sprintf("%08x", ssrc) }

// EngineConfig параметры медиа движка.
type EngineConfig struct {
	// LocalAddr адрес общего RTP сокета, например "0.0.0.0:10000".
	// Игнорируется, если задан Transport.
	LocalAddr string

	// Transport готовый транспорт. nil — создается UDPTransport.
	Transport Transport

	// DSCP маркировка исходящих пакетов. 0 — EF.
	DSCP int

	// RecvQueueSize емкость очереди входящих пакетов каждой сессии.
	RecvQueueSize int

	// Logger журнал движка. nil — slog.Default().
	Logger *slog.Logger
}

// Engine медиа движок: один транспорт на все звонки и реестр сессий.
//
// Входящие пакеты демультиплексируются по адресу источника. Пакет с
// незнакомого адреса доставляется единственной активной сессии, если она
// ровно одна, иначе отбрасывается со счетчиком unknown_source.
type Engine struct {
	transport Transport
	logger    *slog.Logger
	queueSize int

	mutex    sync.RWMutex
	byCallID map[string]*Session
	byRemote map[string]*Session

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEngine создает движок и открывает общий сокет.
func NewEngine(config EngineConfig) (*Engine, error) {
	transport := config.Transport
	if transport == nil {
		var err error
		transport, err = NewUDPTransport(TransportConfig{
			LocalAddr: config.LocalAddr,
			DSCP:      config.DSCP,
		})
		if err != nil {
			return nil, err
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	queueSize := config.RecvQueueSize
	if queueSize <= 0 {
		queueSize = DefaultRecvQueueSize
	}

	return &Engine{
		transport: transport,
		logger:    logger.With(slog.String("component", "rtp-engine")),
		queueSize: queueSize,
		byCallID:  make(map[string]*Session),
		byRemote:  make(map[string]*Session),
		done:      make(chan struct{}),
	}, nil
}

// Start запускает цикл чтения. Цикл завершается при Close или отмене ctx.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.readLoop(ctx)
}

// LocalAddr возвращает локальный адрес общего сокета.
func (e *Engine) LocalAddr() *net.UDPAddr { return e.transport.LocalAddr() }

// LocalPort возвращает порт общего сокета для анонса в SDP.
func (e *Engine) LocalPort() int {
	if addr := e.transport.LocalAddr(); addr != nil {
		return addr.Port
	}
	return 0
}

// CreateSession регистрирует новую RTP сессию звонка.
func (e *Engine) CreateSession(config SessionConfig) (*Session, error) {
	if config.CallID == "" {
		return nil, newValidationError("create session", "пустой Call-ID")
	}
	if config.ClockRate == 0 {
		config.ClockRate = DefaultClockRate
	}
	if config.RecvQueueSize <= 0 {
		config.RecvQueueSize = e.queueSize
	}

	session := &Session{
		callID:         config.CallID,
		ssrc:           generateSSRC(),
		payloadType:    config.PayloadType,
		clockRate:      config.ClockRate,
		sequenceNumber: uint32(generateRandomUint16()),
		timestamp:      0,
		engine:         e,
		recv:           make(chan *IncomingPacket, config.RecvQueueSize),
		done:           make(chan struct{}),
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if _, exists := e.byCallID[config.CallID]; exists {
		return nil, newSessionError("create session", "сессия для звонка %s уже существует", config.CallID)
	}
	e.byCallID[config.CallID] = session
	getMetrics().sessionsActive.Set(float64(len(e.byCallID)))

	e.logger.Debug("RTP сессия создана",
		slog.String("call_id", config.CallID),
		slog.Int("payload_type", int(config.PayloadType)),
		slog.String("ssrc", ssrcString(session.ssrc)))

	return session, nil
}

// SessionCount возвращает количество активных сессий.
func (e *Engine) SessionCount() int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return len(e.byCallID)
}

// Close останавливает цикл чтения и закрывает все сессии и транспорт.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)

		e.mutex.Lock()
		sessions := make([]*Session, 0, len(e.byCallID))
		for _, s := range e.byCallID {
			sessions = append(sessions, s)
		}
		e.mutex.Unlock()

		for _, s := range sessions {
			s.Close()
		}

		err = e.transport.Close()
		e.wg.Wait()
	})
	return err
}

// bindRemote привязывает адрес источника к сессии для демультиплексирования.
func (e *Engine) bindRemote(s *Session, addr *net.UDPAddr) error {
	key := addr.String()

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if existing, ok := e.byRemote[key]; ok && existing != s {
		return newSessionError("bind remote", "адрес %s уже занят звонком %s", key, existing.callID)
	}
	e.byRemote[key] = s
	return nil
}

// removeSession снимает сессию с учета. Вызывается из Session.Close.
func (e *Engine) removeSession(s *Session) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	delete(e.byCallID, s.callID)
	for key, session := range e.byRemote {
		if session == s {
			delete(e.byRemote, key)
		}
	}
	getMetrics().sessionsActive.Set(float64(len(e.byCallID)))
}

// readLoop читает пакеты из общего сокета и раздает их сессиям.
func (e *Engine) readLoop(ctx context.Context) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("паника в цикле чтения RTP", slog.Any("panic", r))
		}
	}()

	buf := make([]byte, MaxRTPPacketSize+1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		default:
		}

		n, addr, err := e.transport.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.done:
				return
			case <-ctx.Done():
				return
			default:
			}

			var classified *ClassifiedError
			if errors.As(err, &classified) && classified.IsTemporary() {
				continue
			}
			e.logger.Error("фатальная ошибка чтения RTP", slog.Any("error", err))
			return
		}

		e.handlePacket(buf[:n], addr)
	}
}

// handlePacket валидирует пакет и доставляет его сессии источника.
func (e *Engine) handlePacket(data []byte, addr *net.UDPAddr) {
	m := getMetrics()

	if err := validatePacketSize(len(data)); err != nil {
		m.packetsDropped.WithLabelValues(dropReasonInvalid).Inc()
		return
	}

	var packet rtp.Packet
	if err := packet.Unmarshal(data); err != nil {
		m.packetsDropped.WithLabelValues(dropReasonInvalid).Inc()
		e.logger.Debug("невалидный RTP пакет",
			slog.String("remote", addr.String()),
			slog.Any("error", err))
		return
	}
	if packet.Header.Version != ExpectedRTPVersion {
		m.packetsDropped.WithLabelValues(dropReasonInvalid).Inc()
		return
	}

	session := e.lookupSession(addr)
	if session == nil {
		m.packetsDropped.WithLabelValues(dropReasonUnknownSource).Inc()
		e.logger.Debug("RTP пакет с незнакомого адреса отброшен",
			slog.String("remote", addr.String()))
		return
	}

	payload := make([]byte, len(packet.Payload))
	copy(payload, packet.Payload)

	session.deliver(&IncomingPacket{
		Payload:        payload,
		PayloadType:    packet.Header.PayloadType,
		SequenceNumber: packet.Header.SequenceNumber,
		Timestamp:      packet.Header.Timestamp,
		SSRC:           packet.Header.SSRC,
	})
}

// lookupSession находит сессию по адресу источника. Пакет с незнакомого
// адреса относится к единственной сессии только когда она ровно одна:
// при нескольких активных звонках угадывание привело бы к смешиванию аудио.
func (e *Engine) lookupSession(addr *net.UDPAddr) *Session {
	key := addr.String()

	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if session, ok := e.byRemote[key]; ok {
		return session
	}
	if len(e.byCallID) == 1 {
		for _, session := range e.byCallID {
			return session
		}
	}
	return nil
}
