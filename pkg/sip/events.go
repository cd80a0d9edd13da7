package sip

import "log/slog"

// EventType тип события SIP движка.
type EventType string

const (
	// EventRegistered регистрация на транке подтверждена.
	EventRegistered EventType = "registered"
	// EventRegistrationFailed регистрация отклонена или истек таймаут.
	EventRegistrationFailed EventType = "registration_failed"
	// EventRinging получен провизорный ответ 180/183.
	EventRinging EventType = "ringing"
	// EventAnswered вызов принят, диалог установлен.
	EventAnswered EventType = "answered"
	// EventBusy удаленная сторона занята (486).
	EventBusy EventType = "busy"
	// EventFailed вызов завершился ошибкой (4xx-6xx кроме 486/487).
	EventFailed EventType = "failed"
	// EventTerminated диалог завершен (BYE любой из сторон или CANCEL).
	EventTerminated EventType = "terminated"
)

// Event событие SIP движка, доставляемое контроллеру звонков.
type Event struct {
	Type    EventType
	CallID  string
	Status  int
	Reason  string
	// Body тело ответа (SDP answer для EventAnswered).
	Body []byte
}

// DefaultEventQueueSize емкость очереди событий движка.
const DefaultEventQueueSize = 64

// publishEvent кладет событие в очередь. Очередь ограничена: при
// переполнении событие отбрасывается с записью в журнал, блокировать
// обработку SIP сообщений нельзя.
func (s *Stack) publishEvent(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("очередь событий переполнена, событие отброшено",
			slog.String("type", string(ev.Type)),
			slog.String("call_id", ev.CallID))
	}
}
