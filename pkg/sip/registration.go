package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// Состояния регистрации на транке. Challenged покрывает весь обмен от
// отправки REGISTER до финального ответа, включая digest challenge.
const (
	RegStateUnregistered = "Unregistered"
	RegStateChallenged   = "Challenged"
	RegStateRegistered   = "Registered"
	RegStateFailed       = "Failed"
)

// ErrRegisterTimeout возвращается, когда транк не ответил за отведенное время.
var ErrRegisterTimeout = errors.New("sip: таймаут регистрации")

// formEventName образует имя события FSM из пары состояний.
func formEventName(from, to string) string {
	return from + "_to_" + to
}

// Registration управляет регистрацией на SIP транке: начальный REGISTER
// с digest аутентификацией, периодическое продление и снятие регистрации.
//
// Call-ID, from tag и CSeq живут столько же, сколько Registration:
// продления уходят в рамках той же регистрации с возрастающим CSeq
// (RFC 3261 10.2).
type Registration struct {
	stack  *Stack
	logger *slog.Logger

	expires int
	callID  string
	fromTag string

	mutex        sync.Mutex
	fsm          *fsm.FSM
	cseq         uint32
	registeredAt time.Time
	inflight     chan struct{}
	lastErr      error
}

// NewRegistration создает менеджер регистрации.
func NewRegistration(stack *Stack) *Registration {
	r := &Registration{
		stack:   stack,
		logger:  stack.logger.With(slog.String("component", "sip-registration")),
		expires: stack.config.RegisterExpires,
		callID:  newCallID(),
		fromTag: newTag(),
	}

	r.fsm = fsm.NewFSM(
		RegStateUnregistered,
		fsm.Events{
			{Name: formEventName(RegStateUnregistered, RegStateChallenged), Src: []string{RegStateUnregistered}, Dst: RegStateChallenged},
			{Name: formEventName(RegStateFailed, RegStateChallenged), Src: []string{RegStateFailed}, Dst: RegStateChallenged},
			{Name: formEventName(RegStateRegistered, RegStateChallenged), Src: []string{RegStateRegistered}, Dst: RegStateChallenged},
			{Name: formEventName(RegStateChallenged, RegStateRegistered), Src: []string{RegStateChallenged}, Dst: RegStateRegistered},
			{Name: formEventName(RegStateChallenged, RegStateFailed), Src: []string{RegStateChallenged}, Dst: RegStateFailed},
			{Name: formEventName(RegStateRegistered, RegStateUnregistered), Src: []string{RegStateRegistered}, Dst: RegStateUnregistered},
			{Name: formEventName(RegStateFailed, RegStateUnregistered), Src: []string{RegStateFailed}, Dst: RegStateUnregistered},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				r.logger.Debug("смена состояния регистрации",
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)

	return r
}

// State возвращает текущее состояние регистрации.
func (r *Registration) State() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.fsm.Current()
}

// RegisteredAt возвращает время последней успешной регистрации.
func (r *Registration) RegisteredAt() time.Time {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.registeredAt
}

func (r *Registration) transition(ctx context.Context, target string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.fsm.Event(ctx, formEventName(r.fsm.Current(), target))
}

// Register выполняет регистрацию на транке. Блокирует до финального
// ответа сервера или таймаута. Параллельный вызов во время идущего
// обмена не отправляет второй REGISTER, а дожидается результата первого.
func (r *Registration) Register(ctx context.Context) error {
	r.mutex.Lock()
	if wait := r.inflight; wait != nil {
		r.mutex.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mutex.Lock()
		err := r.lastErr
		r.mutex.Unlock()
		return err
	}
	if err := r.fsm.Event(ctx, formEventName(r.fsm.Current(), RegStateChallenged)); err != nil {
		r.mutex.Unlock()
		return errors.Wrap(err, "sip: недопустимое состояние регистрации")
	}
	done := make(chan struct{})
	r.inflight = done
	r.mutex.Unlock()

	err := r.exchange(ctx, r.expires)
	if err != nil {
		_ = r.transition(ctx, RegStateFailed)
		r.stack.publishEvent(Event{Type: EventRegistrationFailed, Reason: err.Error()})
	} else {
		r.mutex.Lock()
		r.registeredAt = time.Now()
		r.mutex.Unlock()

		if err = r.transition(ctx, RegStateRegistered); err == nil {
			r.stack.publishEvent(Event{Type: EventRegistered})
			r.logger.Info("регистрация подтверждена",
				slog.String("server", r.stack.config.ServerHost),
				slog.Int("expires", r.expires))
		}
	}

	r.mutex.Lock()
	r.lastErr = err
	r.inflight = nil
	r.mutex.Unlock()
	close(done)
	return err
}

// Unregister снимает регистрацию (REGISTER с Expires: 0).
func (r *Registration) Unregister(ctx context.Context) error {
	if err := r.exchange(ctx, 0); err != nil {
		return err
	}
	return r.transition(ctx, RegStateUnregistered)
}

// Run поддерживает регистрацию: продление за половину периода до
// истечения, повтор через 30 секунд после сбоя. Завершается с ctx.
func (r *Registration) Run(ctx context.Context) {
	const retryInterval = 30 * time.Second

	for {
		interval := time.Duration(r.expires/2) * time.Second
		if r.State() != RegStateRegistered {
			interval = retryInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := r.Register(ctx); err != nil {
			r.logger.Error("продление регистрации не удалось", slog.Any("error", err))
		}
	}
}

// exchange отправляет REGISTER и обрабатывает ответы, включая digest
// challenge. Количество повторов аутентификации ограничено.
func (r *Registration) exchange(ctx context.Context, expires int) error {
	r.mutex.Lock()
	r.cseq++
	req := r.stack.makeRegisterRequest(r.callID, r.fromTag, r.cseq, expires)
	r.mutex.Unlock()

	// Повтор с аутентификацией увеличивает CSeq в самом запросе,
	// следующее продление продолжает нумерацию с него.
	defer func() {
		if cseqHeader := req.CSeq(); cseqHeader != nil {
			r.mutex.Lock()
			r.cseq = cseqHeader.SeqNo
			r.mutex.Unlock()
		}
	}()

	timeout := r.stack.transactionTimeout()

	for attempt := 0; attempt < maxRegisterAuthAttempts; attempt++ {
		res, err := r.awaitFinalResponse(ctx, req, timeout)
		if err != nil {
			return err
		}

		switch {
		case res.StatusCode == sip.StatusOK:
			return nil
		case isAuthChallenge(res.StatusCode):
			if err := authorizeRequest(req, res, r.stack.config.Username, r.stack.config.Password); err != nil {
				return err
			}
		default:
			return errors.Errorf("sip: регистрация отклонена: %d %s", res.StatusCode, res.Reason)
		}
	}

	return ErrAuthFailed
}

// awaitFinalResponse отправляет запрос и ждет финальный ответ транзакции.
func (r *Registration) awaitFinalResponse(ctx context.Context, req *sip.Request, timeout time.Duration) (*sip.Response, error) {
	tx, err := r.stack.tl.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "sip: отправка REGISTER")
	}
	defer tx.Terminate()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, errors.Wrap(err, "sip: транзакция REGISTER")
			}
			return nil, errors.New("sip: транзакция REGISTER завершена без ответа")
		case <-timer.C:
			return nil, ErrRegisterTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
