// Package telephony связывает SIP сигнализацию, RTP транспорт и голосовой
// мост в единый контроллер звонков. Контроллер владеет картой активных
// звонков и единственный изменяет их состояние: события SIP стека
// обрабатываются одним циклом, внешние читатели получают снимки.
package telephony

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MatheusAbmix/abmix-telefone/pkg/bridge"
	"github.com/MatheusAbmix/abmix-telefone/pkg/rtp"
	"github.com/MatheusAbmix/abmix-telefone/pkg/sdp"
	"github.com/MatheusAbmix/abmix-telefone/pkg/sip"
	"github.com/pkg/errors"
)

// ErrNoActiveCall возвращается для операций, требующих отвеченного звонка.
var ErrNoActiveCall = errors.New("telephony: нет активного звонка")

// ErrUnknownCall возвращается при обращении к неизвестному callID.
var ErrUnknownCall = errors.New("telephony: звонок не найден")

// Dialog операции SIP диалога, нужные контроллеру.
type Dialog interface {
	CallID() string
	State() string
	Hangup(ctx context.Context) error
	SendDTMF(ctx context.Context, digit rune) error
}

// Signaling операции SIP стека, нужные контроллеру.
type Signaling interface {
	Invite(ctx context.Context, target string, sdpOffer []byte) (Dialog, error)
	Events() <-chan sip.Event
}

// Registrar управление регистрацией на транке.
type Registrar interface {
	State() string
	Register(ctx context.Context) error
}

// stackSignaling адаптирует *sip.Stack к интерфейсу Signaling.
type stackSignaling struct {
	stack *sip.Stack
}

func (s stackSignaling) Invite(ctx context.Context, target string, sdpOffer []byte) (Dialog, error) {
	d, err := s.stack.Invite(ctx, target, sdpOffer)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s stackSignaling) Events() <-chan sip.Event {
	return s.stack.Events()
}

// Config параметры контроллера звонков.
type Config struct {
	// PublicIP публичный IPv4 адрес, объявляемый в SDP offer.
	PublicIP string
	// FromNumber номер звонящего в снимках звонков.
	FromNumber string
	// PayloadTypes предлагаемые кодеки в порядке предпочтения.
	// По умолчанию PCMU, PCMA.
	PayloadTypes []uint8
	// DigitDelay пауза между DTMF символами. По умолчанию 150 мс.
	DigitDelay time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if len(c.PayloadTypes) == 0 {
		c.PayloadTypes = []uint8{0, 8}
	}
	if c.DigitDelay <= 0 {
		c.DigitDelay = 150 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate проверяет обязательные поля.
func (c *Config) Validate() error {
	if c.PublicIP == "" {
		return errors.New("telephony: не задан публичный адрес")
	}
	return nil
}

// Controller контроллер исходящих звонков.
type Controller struct {
	config Config
	logger *slog.Logger

	signaling    Signaling
	registration Registrar
	engine       *rtp.Engine
	bridge       *bridge.Manager

	mutex sync.Mutex
	calls map[string]*call

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewController создает контроллер поверх готовых SIP стека, RTP движка и
// голосового моста. Мост может быть nil: звонки идут в режиме прямой
// ретрансляции.
func NewController(cfg Config, stack *sip.Stack, registration *sip.Registration, engine *rtp.Engine, voiceBridge *bridge.Manager) (*Controller, error) {
	return newController(cfg, stackSignaling{stack: stack}, registration, engine, voiceBridge)
}

func newController(cfg Config, signaling Signaling, registration Registrar, engine *rtp.Engine, voiceBridge *bridge.Manager) (*Controller, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Controller{
		config:       cfg,
		logger:       cfg.Logger.With(slog.String("component", "telephony")),
		signaling:    signaling,
		registration: registration,
		engine:       engine,
		bridge:       voiceBridge,
		calls:        make(map[string]*call),
		done:         make(chan struct{}),
	}, nil
}

// Run запускает обработку событий SIP стека и кадров голосового моста.
// Блокирует до отмены контекста или Close.
func (c *Controller) Run(ctx context.Context) {
	if c.bridge != nil {
		c.wg.Add(1)
		go c.bridgeLoop(ctx)
	}
	c.eventLoop(ctx)
	c.wg.Wait()
}

// Close завершает все активные звонки и останавливает контроллер.
func (c *Controller) Close() {
	c.mutex.Lock()
	active := make([]*call, 0, len(c.calls))
	for _, call := range c.calls {
		if !call.status.final() {
			active = append(active, call)
		}
	}
	c.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, call := range active {
		if err := c.Hangup(ctx, call.callID); err != nil {
			c.logger.Warn("не удалось завершить звонок при остановке",
				slog.String("call_id", call.callID),
				slog.Any("error", err))
		}
	}

	c.closeOnce.Do(func() { close(c.done) })
}

// Dial начинает исходящий звонок. Блокирует на время регистрации (если
// она нужна), после отправки INVITE возвращает callID немедленно:
// дальнейший прогресс доступен через Status и события.
func (c *Controller) Dial(ctx context.Context, toNumber, voiceMode string) (string, error) {
	if toNumber == "" {
		return "", errors.New("telephony: не задан номер назначения")
	}
	switch voiceMode {
	case bridge.VoiceModeNone, bridge.VoiceModeMasculine, bridge.VoiceModeFeminine, bridge.VoiceModeNatural:
	default:
		return "", errors.Errorf("telephony: неизвестный голосовой режим %q", voiceMode)
	}

	if c.registration.State() != sip.RegStateRegistered {
		if err := c.registration.Register(ctx); err != nil {
			return "", errors.Wrap(err, "telephony: регистрация на транке не удалась, звонок не начат")
		}
	}

	offer, err := sdp.BuildOffer(sdp.OfferConfig{
		LocalIP:      c.config.PublicIP,
		LocalPort:    c.engine.LocalPort(),
		PayloadTypes: c.config.PayloadTypes,
		PtimeMs:      20,
	})
	if err != nil {
		return "", errors.Wrap(err, "telephony: построение SDP offer")
	}

	dialog, err := c.signaling.Invite(ctx, toNumber, []byte(offer))
	if err != nil {
		return "", errors.Wrap(err, "telephony: отправка INVITE")
	}

	callID := dialog.CallID()
	c.mutex.Lock()
	c.calls[callID] = &call{
		callID:     callID,
		toNumber:   toNumber,
		fromNumber: c.config.FromNumber,
		voiceMode:  voiceMode,
		status:     StatusInitiating,
		startTime:  time.Now(),
		dialog:     dialog,
	}
	c.mutex.Unlock()

	c.logger.Info("звонок начат",
		slog.String("call_id", callID),
		slog.String("to", toNumber),
		slog.String("voice_mode", voiceMode))
	return callID, nil
}

// Hangup завершает звонок: CANCEL до ответа, BYE после. Медиа и мост
// освобождаются всегда. Повторный вызов для завершенного или
// неизвестного звонка ничего не делает и не ходит в сеть.
func (c *Controller) Hangup(ctx context.Context, callID string) error {
	c.mutex.Lock()
	call := c.calls[callID]
	if call == nil || call.status.final() {
		c.mutex.Unlock()
		return nil
	}
	dialog := call.dialog
	c.finishLocked(call, StatusEnded, "завершен локально")
	c.mutex.Unlock()

	if err := dialog.Hangup(ctx); err != nil {
		c.logger.Warn("ошибка завершения диалога",
			slog.String("call_id", callID),
			slog.Any("error", err))
	}
	return nil
}

// SendDigits передает DTMF последовательность в отвеченный звонок.
// Ошибки отдельных символов логируются, передача продолжается.
func (c *Controller) SendDigits(ctx context.Context, callID, digits string) error {
	c.mutex.Lock()
	call := c.calls[callID]
	if call == nil || call.status != StatusAnswered {
		c.mutex.Unlock()
		return ErrNoActiveCall
	}
	dialog := call.dialog
	c.mutex.Unlock()

	for i, digit := range digits {
		if i > 0 {
			select {
			case <-time.After(c.config.DigitDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := dialog.SendDTMF(ctx, digit); err != nil {
			c.logger.Warn("DTMF символ не передан",
				slog.String("call_id", callID),
				slog.String("digit", string(digit)),
				slog.Any("error", err))
		}
	}
	return nil
}

// Status возвращает снимок звонка.
func (c *Controller) Status(callID string) (Snapshot, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	call := c.calls[callID]
	if call == nil {
		return Snapshot{}, ErrUnknownCall
	}
	return call.snapshot(), nil
}

// ActiveCalls возвращает снимки звонков, не достигших конечного состояния.
func (c *Controller) ActiveCalls() []Snapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	out := make([]Snapshot, 0, len(c.calls))
	for _, call := range c.calls {
		if !call.status.final() {
			out = append(out, call.snapshot())
		}
	}
	return out
}

// ToggleConversion переключает голосовое преобразование звонка между
// активным и пассивным режимом.
func (c *Controller) ToggleConversion(callID string, enabled bool) error {
	if c.bridge == nil {
		return errors.New("telephony: голосовой мост не настроен")
	}
	return c.bridge.SetEnabled(callID, enabled)
}

// PipelineStats возвращает статистику голосового моста.
func (c *Controller) PipelineStats() bridge.Stats {
	if c.bridge == nil {
		return bridge.Stats{}
	}
	return c.bridge.Stats()
}

// finishLocked переводит звонок в конечное состояние и освобождает медиа.
// Вызывается под c.mutex.
func (c *Controller) finishLocked(call *call, status CallStatus, lastError string) {
	if call.status.final() {
		return
	}
	call.status = status
	call.endTime = time.Now()
	if lastError != "" {
		call.lastError = lastError
	}
	c.teardownMediaLocked(call)
}

// teardownMediaLocked останавливает ритмизатор, RTP сессию и сессию моста.
func (c *Controller) teardownMediaLocked(call *call) {
	if call.cancelMedia != nil {
		call.cancelMedia()
		call.cancelMedia = nil
	}
	if call.pacer != nil {
		call.pacer.Stop()
		call.pacer = nil
	}
	if call.rtpSession != nil {
		call.rtpSession.Close()
		call.rtpSession = nil
	}
	if c.bridge != nil {
		c.bridge.CloseSession(call.callID)
	}
}

func (c *Controller) findCall(callID string) *call {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.calls[callID]
}

var (
	_ Dialog    = (*sip.Dialog)(nil)
	_ Registrar = (*sip.Registration)(nil)
)
