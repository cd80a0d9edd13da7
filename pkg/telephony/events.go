package telephony

import (
	"context"
	"log/slog"
	"net"

	"github.com/MatheusAbmix/abmix-telefone/pkg/bridge"
	"github.com/MatheusAbmix/abmix-telefone/pkg/codec"
	"github.com/MatheusAbmix/abmix-telefone/pkg/rtp"
	"github.com/MatheusAbmix/abmix-telefone/pkg/sdp"
	"github.com/MatheusAbmix/abmix-telefone/pkg/sip"
)

// eventLoop последовательно обрабатывает события SIP стека. Один
// читатель гарантирует порядок событий внутри диалога.
func (c *Controller) eventLoop(ctx context.Context) {
	for {
		select {
		case ev := <-c.signaling.Events():
			c.handleEvent(ctx, ev)
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev sip.Event) {
	switch ev.Type {
	case sip.EventRinging:
		c.markRinging(ev.CallID)
	case sip.EventAnswered:
		c.handleAnswered(ctx, ev)
	case sip.EventBusy:
		c.markFailed(ev.CallID, "абонент занят")
	case sip.EventFailed:
		c.markFailed(ev.CallID, ev.Reason)
	case sip.EventTerminated:
		c.markEnded(ev.CallID, ev.Reason)
	case sip.EventRegistered, sip.EventRegistrationFailed:
		// Регистрацией управляет Registrar, здесь только журнал.
		c.logger.Debug("событие регистрации", slog.String("type", string(ev.Type)))
	}
}

func (c *Controller) markRinging(callID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	call := c.calls[callID]
	if call == nil || call.status != StatusInitiating {
		return
	}
	call.status = StatusRinging
}

func (c *Controller) markFailed(callID, reason string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if call := c.calls[callID]; call != nil {
		c.finishLocked(call, StatusFailed, reason)
	}
}

func (c *Controller) markEnded(callID, reason string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if call := c.calls[callID]; call != nil {
		if call.status.final() {
			return
		}
		call.lastError = ""
		c.finishLocked(call, StatusEnded, "")
		c.logger.Info("звонок завершен",
			slog.String("call_id", callID),
			slog.String("reason", reason))
	}
}

// handleAnswered разбирает SDP answer, создает RTP сессию и запускает
// голосовой мост. Ошибка медиа-настройки завершает звонок.
func (c *Controller) handleAnswered(ctx context.Context, ev sip.Event) {
	call := c.findCall(ev.CallID)
	if call == nil {
		return
	}

	media, err := sdp.ParseAnswer(ev.Body)
	if err != nil {
		c.failCall(ctx, call, "некорректный SDP answer: "+err.Error())
		return
	}

	cdc, err := codec.ByPayloadType(media.PayloadType)
	if err != nil {
		c.failCall(ctx, call, err.Error())
		return
	}

	session, err := c.engine.CreateSession(rtp.SessionConfig{
		CallID:      call.callID,
		PayloadType: media.PayloadType,
	})
	if err != nil {
		c.failCall(ctx, call, "создание RTP сессии: "+err.Error())
		return
	}

	remote := &net.UDPAddr{IP: net.ParseIP(media.IP), Port: media.Port}
	if err := session.SetRemote(remote); err != nil {
		session.Close()
		c.failCall(ctx, call, "привязка удаленного адреса: "+err.Error())
		return
	}

	pacer := rtp.NewPacer(session, cdc.SilenceFrame(1)[0], c.logger)
	mediaCtx, cancelMedia := context.WithCancel(context.Background())

	c.mutex.Lock()
	if call.status.final() {
		c.mutex.Unlock()
		cancelMedia()
		session.Close()
		return
	}
	call.status = StatusAnswered
	call.rtpSession = session
	call.pacer = pacer
	call.codec = cdc
	call.cancelMedia = cancelMedia
	c.mutex.Unlock()

	go pacer.Run(mediaCtx)
	c.wg.Add(1)
	go c.relayLoop(mediaCtx, call.callID, session, pacer, cdc)

	if call.voiceMode != bridge.VoiceModeNone && c.bridge != nil {
		if err := c.bridge.StartSession(ctx, call.callID, call.voiceMode); err != nil {
			// Отказ голосового сервиса не роняет звонок: аудио идет напрямую.
			c.logger.Error("голосовой мост не запущен, звонок продолжается без преобразования",
				slog.String("call_id", call.callID),
				slog.Any("error", err))
		}
	}

	c.logger.Info("звонок отвечен",
		slog.String("call_id", call.callID),
		slog.String("remote", remote.String()),
		slog.Int("payload_type", int(media.PayloadType)))
}

// failCall завершает звонок с ошибкой и вешает трубку.
func (c *Controller) failCall(ctx context.Context, call *call, reason string) {
	c.mutex.Lock()
	dialog := call.dialog
	c.finishLocked(call, StatusFailed, reason)
	c.mutex.Unlock()

	c.logger.Error("звонок завершен с ошибкой",
		slog.String("call_id", call.callID),
		slog.String("reason", reason))

	if err := dialog.Hangup(ctx); err != nil {
		c.logger.Warn("ошибка завершения диалога",
			slog.String("call_id", call.callID),
			slog.Any("error", err))
	}
}

// relayLoop доставляет входящие RTP кадры в голосовой мост. Кадры, не
// принятые мостом (режим none, пассивный режим, отказ сервиса),
// ретранслируются обратно без изменений.
func (c *Controller) relayLoop(ctx context.Context, callID string, session *rtp.Session, pacer *rtp.Pacer, cdc *codec.Codec) {
	defer c.wg.Done()

	for {
		select {
		case pkt, ok := <-session.Packets():
			if !ok {
				return
			}
			if c.bridge != nil {
				if c.bridge.FeedAudio(callID, cdc.Decode(pkt.Payload)) {
					continue
				}
			}
			pacer.Write(pkt.Payload)
		case <-session.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// bridgeLoop отправляет синтезированные мостом кадры в RTP сессии.
func (c *Controller) bridgeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case frame := <-c.bridge.Output():
			c.sendSynthesized(frame)
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) sendSynthesized(frame bridge.Frame) {
	c.mutex.Lock()
	call := c.calls[frame.CallID]
	var pacer *rtp.Pacer
	var cdc *codec.Codec
	if call != nil && call.status == StatusAnswered {
		pacer = call.pacer
		cdc = call.codec
	}
	c.mutex.Unlock()

	if pacer == nil || cdc == nil {
		return
	}
	pacer.Write(cdc.Encode(frame.PCM))
}
