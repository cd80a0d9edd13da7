package bridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	dialAttempts     = 3
	dialRetryDelay   = 500 * time.Millisecond

	maxServiceMessageSize = 1 << 20

	// latencyWindow число последних замеров для скользящей средней.
	latencyWindow = 10
)

// Session сессия моста одного звонка: канал распознавания принимает
// аудио звонящего, канал синтеза возвращает преобразованные кадры.
type Session struct {
	manager *Manager
	logger  *slog.Logger

	callID    string
	voiceMode string

	recognition *websocket.Conn
	synthesis   *websocket.Conn

	// enabled: 1 преобразование активно, 0 пассивный режим.
	enabled      atomic.Int32
	lastActivity atomic.Int64

	input chan []int16

	latencyMutex sync.Mutex
	sentTimes    []time.Time
	latencies    []time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	writeMutex sync.Mutex
}

// openSession устанавливает оба WebSocket канала. Каждый канал
// повторяет подключение независимо, готовность только при двух открытых.
func (m *Manager) openSession(ctx context.Context, callID, voiceMode, profile string) (*Session, error) {
	recognition, err := m.dialChannel(ctx, m.config.RecognitionURL, profile)
	if err != nil {
		return nil, fmt.Errorf("bridge: канал распознавания: %w", err)
	}

	synthesis, err := m.dialChannel(ctx, m.config.SynthesisURL, profile)
	if err != nil {
		recognition.Close()
		return nil, fmt.Errorf("bridge: канал синтеза: %w", err)
	}

	s := &Session{
		manager:     m,
		logger:      m.logger.With(slog.String("call_id", callID)),
		callID:      callID,
		voiceMode:   voiceMode,
		recognition: recognition,
		synthesis:   synthesis,
		input:       make(chan []int16, m.config.InputQueueSize),
		done:        make(chan struct{}),
	}
	s.enabled.Store(1)
	s.touch()
	return s, nil
}

// dialChannel подключает один WebSocket канал с ограниченным числом
// повторов.
func (m *Manager) dialChannel(ctx context.Context, url, profile string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	header := http.Header{}
	if m.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+m.config.APIKey)
	}
	if profile != "" {
		header.Set("X-Voice-Profile", profile)
	}

	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(dialRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		conn, _, err := dialer.DialContext(ctx, url, header)
		if err == nil {
			conn.SetReadLimit(maxServiceMessageSize)
			return conn, nil
		}
		lastErr = err
		m.logger.Warn("подключение к голосовому сервису не удалось",
			slog.String("url", url),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return nil, lastErr
}

func (s *Session) run() {
	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
}

// feed ставит кадр во входную очередь. Переполненная очередь теряет
// самый старый кадр: для живого аудио задержка хуже потери.
func (s *Session) feed(pcm []int16) bool {
	if !s.isEnabled() {
		return false
	}
	s.touch()

	for {
		select {
		case s.input <- pcm:
			return true
		case <-s.done:
			return false
		default:
		}

		select {
		case <-s.input:
			s.manager.metrics.framesDropped.Inc()
		default:
		}
	}
}

// writeLoop передает кадры из входной очереди в канал распознавания.
func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case pcm := <-s.input:
			data := pcmToBytes(pcm)

			s.writeMutex.Lock()
			err := s.recognition.WriteMessage(websocket.BinaryMessage, data)
			s.writeMutex.Unlock()

			if err != nil {
				s.failOpen("запись в канал распознавания", err)
				return
			}
			s.recordSent()
			s.manager.metrics.framesIn.Inc()
		case <-s.done:
			return
		}
	}
}

// readLoop принимает синтезированные кадры и отдает их контроллеру.
func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		messageType, data, err := s.synthesis.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.failOpen("чтение из канала синтеза", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		s.touch()
		s.recordReceived()
		s.manager.emit(Frame{
			CallID:     s.callID,
			PCM:        bytesToPCM(data),
			SampleRate: 8000,
		})
	}
}

// failOpen переводит сессию в пассивный режим после отказа канала:
// звонок продолжается без преобразования, аудио ретранслируется напрямую.
func (s *Session) failOpen(op string, err error) {
	if !s.enabled.CompareAndSwap(1, 0) {
		return
	}
	s.manager.metrics.channelFailures.Inc()
	s.logger.Error("канал голосового сервиса отказал, сессия переведена в пассивный режим",
		slog.String("op", op),
		slog.Any("error", err))
}

func (s *Session) setEnabled(enabled bool) {
	if enabled {
		s.enabled.Store(1)
	} else {
		s.enabled.Store(0)
	}
}

func (s *Session) isEnabled() bool {
	return s.enabled.Load() == 1
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) lastActivityTime() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.recognition.Close()
	s.synthesis.Close()
	s.wg.Wait()
}

// recordSent запоминает момент отправки кадра для замера задержки.
func (s *Session) recordSent() {
	s.latencyMutex.Lock()
	defer s.latencyMutex.Unlock()
	if len(s.sentTimes) < latencyWindow {
		s.sentTimes = append(s.sentTimes, time.Now())
	}
}

// recordReceived сопоставляет принятый кадр с самой ранней отправкой и
// обновляет окно замеров задержки.
func (s *Session) recordReceived() {
	s.latencyMutex.Lock()
	defer s.latencyMutex.Unlock()

	if len(s.sentTimes) == 0 {
		return
	}
	latency := time.Since(s.sentTimes[0])
	s.sentTimes = s.sentTimes[1:]

	s.latencies = append(s.latencies, latency)
	if len(s.latencies) > latencyWindow {
		s.latencies = s.latencies[1:]
	}
}

func (s *Session) averageLatency() time.Duration {
	s.latencyMutex.Lock()
	defer s.latencyMutex.Unlock()

	if len(s.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range s.latencies {
		total += l
	}
	return total / time.Duration(len(s.latencies))
}

// pcmToBytes сериализует PCM16 в little-endian байты для передачи сервису.
func pcmToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(sample))
	}
	return data
}

// bytesToPCM разбирает little-endian байты в PCM16. Неполный последний
// байт отбрасывается.
func bytesToPCM(data []byte) []int16 {
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm
}
