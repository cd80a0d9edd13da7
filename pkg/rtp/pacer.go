package rtp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// maxPacedBytes ограничивает накопленный, еще не отправленный звук.
// 1MB соответствует примерно двум минутам G.711.
const maxPacedBytes = 1 << 20

// Pacer нарезает непрерывный поток G.711 байт на кадры фиксированного
// размера и отправляет их в сессию с постоянным темпом 20 мс.
//
// Синтезированная речь приходит большими порциями, отправка как есть
// переполнила бы джиттер-буфер удаленной стороны. Pacer выравнивает темп
// под реальное время воспроизведения.
type Pacer struct {
	session *Session
	silence byte
	logger  *slog.Logger

	mutex sync.Mutex
	buf   []byte

	stopOnce sync.Once
	stopped  chan struct{}
	finished chan struct{}
}

// NewPacer создает pacer для сессии. silence — байт тишины кодека,
// которым дополняется неполный последний кадр.
func NewPacer(session *Session, silence byte, logger *slog.Logger) *Pacer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pacer{
		session:  session,
		silence:  silence,
		logger:   logger.With(slog.String("component", "rtp-pacer"), slog.String("call_id", session.CallID())),
		stopped:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Write ставит звук в очередь отправки. Лишнее сверх лимита отбрасывается.
func (p *Pacer) Write(audio []byte) {
	if len(audio) == 0 {
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.buf)+len(audio) > maxPacedBytes {
		overflow := len(p.buf) + len(audio) - maxPacedBytes
		p.logger.Warn("переполнение буфера отправки, звук отброшен",
			slog.Int("dropped_bytes", overflow))
		if overflow >= len(audio) {
			return
		}
		audio = audio[:len(audio)-overflow]
	}
	p.buf = append(p.buf, audio...)
}

// Clear сбрасывает накопленный, еще не отправленный звук.
// Используется при barge-in, когда оператор перебивает синтез.
func (p *Pacer) Clear() {
	p.mutex.Lock()
	p.buf = p.buf[:0]
	p.mutex.Unlock()
}

// Buffered возвращает количество байт в очереди отправки.
func (p *Pacer) Buffered() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.buf)
}

// Run отправляет по одному кадру каждые 20 мс до Stop или отмены ctx.
// Запускается в отдельной горутине.
func (p *Pacer) Run(ctx context.Context) {
	defer close(p.finished)

	ticker := time.NewTicker(DefaultFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopped:
			p.flush(ctx)
			return
		case <-p.session.Done():
			return
		case <-ticker.C:
			p.sendOne(false)
		}
	}
}

// Stop завершает отправку. Неполный последний кадр дополняется тишиной
// и отправляется.
func (p *Pacer) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
	})
	<-p.finished
}

// sendOne отправляет один кадр из буфера, если данных достаточно.
// При flush неполный кадр дополняется тишиной.
func (p *Pacer) sendOne(flush bool) {
	p.mutex.Lock()
	var frame []byte
	switch {
	case len(p.buf) >= SamplesPerFrame:
		frame = make([]byte, SamplesPerFrame)
		copy(frame, p.buf[:SamplesPerFrame])
		p.buf = p.buf[SamplesPerFrame:]
	case flush && len(p.buf) > 0:
		frame = make([]byte, SamplesPerFrame)
		n := copy(frame, p.buf)
		for i := n; i < SamplesPerFrame; i++ {
			frame[i] = p.silence
		}
		p.buf = p.buf[:0]
	}
	p.mutex.Unlock()

	if frame == nil {
		return
	}
	if err := p.session.SendFrame(frame); err != nil {
		p.logger.Debug("ошибка отправки кадра", slog.Any("error", err))
	}
}

// flush дожимает остаток буфера с сохранением темпа. Отмена ctx обрывает
// дожим немедленно: Stop вызывается и при сносе звонка, когда ждать
// отправку накопленного остатка некому.
func (p *Pacer) flush(ctx context.Context) {
	ticker := time.NewTicker(DefaultFrameDuration)
	defer ticker.Stop()

	for {
		p.mutex.Lock()
		remaining := len(p.buf)
		p.mutex.Unlock()
		if remaining == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.session.Done():
			return
		case <-ticker.C:
			p.sendOne(true)
		}
	}
}
