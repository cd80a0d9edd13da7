// Package bridge связывает аудио активного звонка с внешним голосовым
// сервисом через WebSocket: кадры звонящего уходят в канал распознавания,
// синтезированные кадры возвращаются контроллеру для отправки в RTP.
//
// Мост для каждого звонка держит два полудуплексных канала (распознавание
// и синтез) и считается готовым только когда открыты оба. Отказ любого
// канала переводит сессию в пассивный режим: аудио идет напрямую,
// без преобразования.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Голосовые профили преобразования.
const (
	VoiceModeNone      = "none"
	VoiceModeMasculine = "masculine"
	VoiceModeFeminine  = "feminine"
	VoiceModeNatural   = "natural"
)

// Frame кадр PCM16 аудио, привязанный к звонку.
type Frame struct {
	CallID     string
	PCM        []int16
	SampleRate int
}

// Config параметры голосового моста.
type Config struct {
	// RecognitionURL адрес WebSocket канала распознавания (ws:// или wss://).
	RecognitionURL string
	// SynthesisURL адрес WebSocket канала синтеза.
	SynthesisURL string
	// APIKey ключ внешнего голосового сервиса.
	APIKey string

	// VoiceProfileIDs идентификаторы профилей сервиса по режимам.
	VoiceProfileIDs map[string]string

	// IdleTimeout время простоя, после которого сессия принудительно
	// закрывается. По умолчанию 5 минут.
	IdleTimeout time.Duration
	// SweepInterval период проверки простаивающих сессий. По умолчанию 60 секунд.
	SweepInterval time.Duration

	// InputQueueSize размер входной очереди кадров на сессию.
	InputQueueSize int
	// OutputQueueSize размер общей очереди синтезированных кадров.
	OutputQueueSize int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.VoiceProfileIDs == nil {
		c.VoiceProfileIDs = map[string]string{
			VoiceModeMasculine: "voice-m-01",
			VoiceModeFeminine:  "voice-f-01",
			VoiceModeNatural:   "voice-n-01",
		}
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.InputQueueSize <= 0 {
		c.InputQueueSize = 32
	}
	if c.OutputQueueSize <= 0 {
		c.OutputQueueSize = 128
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate проверяет обязательные поля.
func (c *Config) Validate() error {
	if c.RecognitionURL == "" {
		return fmt.Errorf("bridge: не задан RecognitionURL")
	}
	if c.SynthesisURL == "" {
		return fmt.Errorf("bridge: не задан SynthesisURL")
	}
	return nil
}

// Stats снимок состояния моста.
type Stats struct {
	// ActiveSessions число открытых сессий.
	ActiveSessions int
	// AverageLatency скользящая средняя задержка кадр-в-кадр по последним
	// замерам всех сессий.
	AverageLatency time.Duration
}

// Manager управляет сессиями голосового моста.
type Manager struct {
	config  Config
	logger  *slog.Logger
	metrics *bridgeMetrics

	output chan Frame

	mutex    sync.Mutex
	sessions map[string]*Session

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager создает мост. Сессий нет до вызова StartSession.
func NewManager(cfg Config) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Manager{
		config:   cfg,
		logger:   cfg.Logger.With(slog.String("component", "bridge")),
		metrics:  getBridgeMetrics(),
		output:   make(chan Frame, cfg.OutputQueueSize),
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}, nil
}

// Output возвращает канал синтезированных кадров. Контроллер обязан
// читать его постоянно: при переполнении новые кадры отбрасываются.
func (m *Manager) Output() <-chan Frame {
	return m.output
}

// Start запускает фоновую уборку простаивающих сессий.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Close завершает все сессии и останавливает мост.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })

	m.mutex.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mutex.Unlock()

	for _, s := range sessions {
		m.CloseSession(s.callID)
	}
	m.wg.Wait()
}

// StartSession открывает каналы распознавания и синтеза для звонка.
// Возвращает ошибку, если какой-либо канал не удалось открыть или
// сессия для этого звонка уже существует.
func (m *Manager) StartSession(ctx context.Context, callID, voiceMode string) error {
	m.mutex.Lock()
	if _, exists := m.sessions[callID]; exists {
		m.mutex.Unlock()
		return fmt.Errorf("bridge: сессия для звонка %s уже существует", callID)
	}
	m.mutex.Unlock()

	profile := m.config.VoiceProfileIDs[voiceMode]
	session, err := m.openSession(ctx, callID, voiceMode, profile)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	if _, exists := m.sessions[callID]; exists {
		m.mutex.Unlock()
		session.close()
		return fmt.Errorf("bridge: сессия для звонка %s уже существует", callID)
	}
	m.sessions[callID] = session
	m.mutex.Unlock()

	m.metrics.sessionsActive.Inc()
	m.logger.Info("сессия моста открыта",
		slog.String("call_id", callID),
		slog.String("voice_mode", voiceMode))

	session.run()
	return nil
}

// FeedAudio передает кадр звонящего в канал распознавания. Возвращает
// false, когда кадр не принят (сессии нет или она в пассивном режиме) и
// вызывающий должен ретранслировать аудио сам.
func (m *Manager) FeedAudio(callID string, pcm []int16) bool {
	m.mutex.Lock()
	session := m.sessions[callID]
	m.mutex.Unlock()

	if session == nil {
		return false
	}
	return session.feed(pcm)
}

// SetEnabled переключает сессию между преобразованием и пассивным
// режимом, не разрывая каналы.
func (m *Manager) SetEnabled(callID string, enabled bool) error {
	m.mutex.Lock()
	session := m.sessions[callID]
	m.mutex.Unlock()

	if session == nil {
		return fmt.Errorf("bridge: нет сессии для звонка %s", callID)
	}
	session.setEnabled(enabled)
	return nil
}

// SessionEnabled сообщает, активно ли преобразование для звонка.
func (m *Manager) SessionEnabled(callID string) bool {
	m.mutex.Lock()
	session := m.sessions[callID]
	m.mutex.Unlock()

	return session != nil && session.isEnabled()
}

// CloseSession закрывает сессию звонка. Отсутствие сессии не ошибка.
func (m *Manager) CloseSession(callID string) {
	m.mutex.Lock()
	session := m.sessions[callID]
	delete(m.sessions, callID)
	m.mutex.Unlock()

	if session == nil {
		return
	}
	session.close()
	m.metrics.sessionsActive.Dec()
	m.logger.Info("сессия моста закрыта", slog.String("call_id", callID))
}

// Stats возвращает снимок состояния моста.
func (m *Manager) Stats() Stats {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var total time.Duration
	var samples int
	for _, s := range m.sessions {
		if avg := s.averageLatency(); avg > 0 {
			total += avg
			samples++
		}
	}

	st := Stats{ActiveSessions: len(m.sessions)}
	if samples > 0 {
		st.AverageLatency = total / time.Duration(samples)
	}
	return st
}

// emit доставляет синтезированный кадр контроллеру, не блокируясь.
func (m *Manager) emit(frame Frame) {
	select {
	case m.output <- frame:
		m.metrics.framesOut.Inc()
	default:
		m.metrics.framesDropped.Inc()
		m.logger.Warn("очередь синтезированных кадров переполнена",
			slog.String("call_id", frame.CallID))
	}
}

// sweepLoop закрывает сессии без активности дольше IdleTimeout.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.config.IdleTimeout)

	m.mutex.Lock()
	var idle []string
	for callID, s := range m.sessions {
		if s.lastActivityTime().Before(cutoff) {
			idle = append(idle, callID)
		}
	}
	m.mutex.Unlock()

	for _, callID := range idle {
		m.logger.Warn("сессия моста закрыта по простою", slog.String("call_id", callID))
		m.CloseSession(callID)
	}
}
