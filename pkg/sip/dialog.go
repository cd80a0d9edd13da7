package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// Состояния исходящего диалога.
const (
	DialogStateInit        = "Init"
	DialogStateCalling     = "Calling"
	DialogStateRinging     = "Ringing"
	DialogStateEstablished = "Established"
	DialogStateTerminating = "Terminating"
	DialogStateTerminated  = "Terminated"
)

// ErrInvalidDialogState возвращается при операции, недопустимой в текущем
// состоянии диалога.
var ErrInvalidDialogState = errors.New("sip: операция недопустима в текущем состоянии диалога")

// Dialog исходящий SIP диалог одного звонка.
//
// Жизненный цикл: INVITE (Calling) → 180/183 (Ringing) → 200 + ACK
// (Established) → BYE (Terminating → Terminated). CANCEL до ответа и
// ошибки ведут в Terminated напрямую.
type Dialog struct {
	stack  *Stack
	logger *slog.Logger

	callID   string
	localTag string
	target   string

	mutex           sync.Mutex
	fsm             *fsm.FSM
	remoteTag       string
	remoteTarget    sip.Uri
	inviteReq       *sip.Request
	remoteSDP       []byte
	cseq            uint32
	cancelRequested bool
}

func newDialog(stack *Stack, callID, target string) *Dialog {
	d := &Dialog{
		stack:    stack,
		logger:   stack.logger.With(slog.String("component", "sip-dialog"), slog.String("call_id", callID)),
		callID:   callID,
		localTag: newTag(),
		target:   target,
	}

	d.fsm = fsm.NewFSM(
		DialogStateInit,
		fsm.Events{
			{Name: formEventName(DialogStateInit, DialogStateCalling), Src: []string{DialogStateInit}, Dst: DialogStateCalling},
			{Name: formEventName(DialogStateCalling, DialogStateRinging), Src: []string{DialogStateCalling}, Dst: DialogStateRinging},
			{Name: formEventName(DialogStateCalling, DialogStateEstablished), Src: []string{DialogStateCalling}, Dst: DialogStateEstablished},
			{Name: formEventName(DialogStateRinging, DialogStateEstablished), Src: []string{DialogStateRinging}, Dst: DialogStateEstablished},
			{Name: formEventName(DialogStateEstablished, DialogStateTerminating), Src: []string{DialogStateEstablished}, Dst: DialogStateTerminating},
			{Name: formEventName(DialogStateCalling, DialogStateTerminated), Src: []string{DialogStateCalling}, Dst: DialogStateTerminated},
			{Name: formEventName(DialogStateRinging, DialogStateTerminated), Src: []string{DialogStateRinging}, Dst: DialogStateTerminated},
			{Name: formEventName(DialogStateEstablished, DialogStateTerminated), Src: []string{DialogStateEstablished}, Dst: DialogStateTerminated},
			{Name: formEventName(DialogStateTerminating, DialogStateTerminated), Src: []string{DialogStateTerminating}, Dst: DialogStateTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				d.logger.Debug("смена состояния диалога",
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)

	return d
}

// CallID возвращает Call-ID диалога.
func (d *Dialog) CallID() string { return d.callID }

// Target возвращает набранный номер.
func (d *Dialog) Target() string { return d.target }

// State возвращает текущее состояние диалога.
func (d *Dialog) State() string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.fsm.Current()
}

// RemoteSDP возвращает SDP answer удаленной стороны.
func (d *Dialog) RemoteSDP() []byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.remoteSDP
}

func (d *Dialog) transition(ctx context.Context, target string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.fsm.Event(ctx, formEventName(d.fsm.Current(), target))
}

// Invite начинает исходящий вызов: отправляет INVITE с SDP offer и
// запускает обработку ответов. Прогресс вызова доставляется событиями.
func (s *Stack) Invite(ctx context.Context, target string, sdpOffer []byte) (*Dialog, error) {
	if target == "" {
		return nil, errors.New("sip: не задан номер назначения")
	}

	d := newDialog(s, newCallID(), target)
	d.inviteReq = s.makeInviteRequest(d.callID, d.localTag, target, sdpOffer)
	d.cseq = 1

	s.addDialog(d)

	tx, err := s.tl.TransactionRequest(ctx, d.inviteReq)
	if err != nil {
		s.removeDialog(d.callID)
		return nil, errors.Wrap(err, "sip: отправка INVITE")
	}

	if err := d.transition(ctx, DialogStateCalling); err != nil {
		tx.Terminate()
		s.removeDialog(d.callID)
		return nil, err
	}

	// Ответы обрабатываются дольше, чем живет контекст вызывающего
	// (HTTP запрос), диалог привязан к жизни движка.
	go d.waitAnswer(context.WithoutCancel(ctx), tx, 0)
	return d, nil
}

// waitAnswer обрабатывает ответы на INVITE до финального.
func (d *Dialog) waitAnswer(ctx context.Context, tx sip.ClientTransaction, authAttempt int) {
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				d.handleProvisional(ctx, res)
				continue
			}

			switch {
			case res.StatusCode == sip.StatusOK:
				d.handleAnswered(ctx, res)
			case isAuthChallenge(res.StatusCode):
				if authAttempt+1 >= maxInviteAuthAttempts {
					d.handleFailure(ctx, res.StatusCode, ErrAuthFailed.Error())
					return
				}
				if err := authorizeRequest(d.inviteReq, res, d.stack.config.Username, d.stack.config.Password); err != nil {
					d.handleFailure(ctx, res.StatusCode, err.Error())
					return
				}
				d.mutex.Lock()
				d.cseq = d.inviteReq.CSeq().SeqNo
				d.mutex.Unlock()

				next, err := d.stack.tl.TransactionRequest(ctx, d.inviteReq)
				if err != nil {
					d.handleFailure(ctx, res.StatusCode, err.Error())
					return
				}
				go d.waitAnswer(ctx, next, authAttempt+1)
			case res.StatusCode == sip.StatusBusyHere:
				d.saveRemoteTag(res)
				d.terminate(ctx, Event{Type: EventBusy, CallID: d.callID, Status: res.StatusCode, Reason: res.Reason})
			case res.StatusCode == 487:
				d.terminate(ctx, Event{Type: EventTerminated, CallID: d.callID, Status: res.StatusCode, Reason: "отменен"})
			default:
				d.handleFailure(ctx, res.StatusCode, res.Reason)
			}
			return

		case <-tx.Done():
			if err := tx.Err(); err != nil {
				d.handleFailure(ctx, 0, err.Error())
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

// handleProvisional обрабатывает 1xx ответы.
func (d *Dialog) handleProvisional(ctx context.Context, res *sip.Response) {
	if res.StatusCode != sip.StatusRinging && res.StatusCode != 183 {
		return
	}

	d.saveRemoteTag(res)
	if d.State() == DialogStateCalling {
		if err := d.transition(ctx, DialogStateRinging); err == nil {
			d.stack.publishEvent(Event{
				Type:   EventRinging,
				CallID: d.callID,
				Status: res.StatusCode,
				Reason: res.Reason,
			})
		}
	}
}

// handleAnswered подтверждает установление диалога: сохраняет remote tag и
// Contact, отправляет ACK и публикует EventAnswered с SDP answer.
func (d *Dialog) handleAnswered(ctx context.Context, res *sip.Response) {
	d.saveRemoteTag(res)

	d.mutex.Lock()
	d.remoteSDP = res.Body()
	if contact := res.Contact(); contact != nil {
		d.remoteTarget = contact.Address
	} else {
		d.remoteTarget = d.inviteReq.Recipient
	}
	cancelled := d.cancelRequested
	d.mutex.Unlock()

	ack := d.makeAck(res)
	if err := d.stack.tl.WriteRequest(ack); err != nil {
		d.logger.Error("не удалось отправить ACK", slog.Any("error", err))
	}

	if err := d.transition(ctx, DialogStateEstablished); err != nil {
		return
	}

	// Ответ пришел одновременно с отменой: диалог установлен и сразу
	// завершается BYE согласно RFC 3261 15.
	if cancelled {
		_ = d.Bye(ctx)
		return
	}

	d.stack.publishEvent(Event{
		Type:   EventAnswered,
		CallID: d.callID,
		Status: res.StatusCode,
		Body:   res.Body(),
	})
}

// makeAck строит ACK на 2xx ответ. По RFC 3261 13.2.2.4 это отдельная
// транзакция: Request-URI берется из Contact ответа, CSeq сохраняет
// номер INVITE с методом ACK. Via добавит клиентский слой при отправке.
func (d *Dialog) makeAck(res *sip.Response) *sip.Request {
	d.mutex.Lock()
	recipient := d.remoteTarget
	d.mutex.Unlock()
	if recipient.Host == "" {
		recipient = d.inviteReq.Recipient
	}

	ack := sip.NewRequest(sip.ACK, recipient)
	ack.SipVersion = d.inviteReq.SipVersion
	ack.SetTransport(d.inviteReq.Transport())

	if h := d.inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := d.inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := d.inviteReq.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.ACK
		ack.AppendHeader(cseq)
	}

	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	ack.AppendHeader(sip.NewHeader("User-Agent", d.stack.config.UserAgent))

	return ack
}

// handleFailure завершает диалог по ошибочному финальному ответу.
func (d *Dialog) handleFailure(ctx context.Context, status int, reason string) {
	d.logger.Info("вызов завершился ошибкой",
		slog.Int("status", status),
		slog.String("reason", reason))
	d.terminate(ctx, Event{Type: EventFailed, CallID: d.callID, Status: status, Reason: reason})
}

// saveRemoteTag извлекает tag из To первого ответа, содержащего его.
// Установленный tag не перезаписывается.
func (d *Dialog) saveRemoteTag(res *sip.Response) {
	to := res.To()
	if to == nil || to.Params == nil {
		return
	}
	tag, ok := to.Params.Get("tag")
	if !ok || tag == "" {
		return
	}

	d.mutex.Lock()
	if d.remoteTag == "" {
		d.remoteTag = tag
	}
	d.mutex.Unlock()
}

// Cancel отменяет вызов до ответа удаленной стороны.
func (d *Dialog) Cancel(ctx context.Context) error {
	state := d.State()
	if state != DialogStateCalling && state != DialogStateRinging {
		return ErrInvalidDialogState
	}

	d.mutex.Lock()
	d.cancelRequested = true
	cancelReq := makeCancelRequest(d.inviteReq)
	d.mutex.Unlock()

	tx, err := d.stack.tl.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return errors.Wrap(err, "sip: отправка CANCEL")
	}

	// Ответ на CANCEL не несет смысла для диалога, финальный 487 придет
	// в транзакцию INVITE. Транзакцию CANCEL дожидаемся в фоне.
	go func() {
		select {
		case <-tx.Responses():
		case <-tx.Done():
		}
		tx.Terminate()
	}()
	return nil
}

// Bye завершает установленный диалог.
func (d *Dialog) Bye(ctx context.Context) error {
	if err := d.transition(ctx, DialogStateTerminating); err != nil {
		return ErrInvalidDialogState
	}

	req := d.makeInDialogRequest(sip.BYE)

	ctx, cancel := context.WithTimeout(ctx, byeTimeout)
	defer cancel()

	tx, err := d.stack.tl.TransactionRequest(ctx, req)
	if err != nil {
		d.terminate(ctx, Event{Type: EventTerminated, CallID: d.callID, Reason: "завершен локально"})
		return errors.Wrap(err, "sip: отправка BYE")
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res.StatusCode != sip.StatusOK {
			d.logger.Warn("неожиданный ответ на BYE",
				slog.Int("status", res.StatusCode))
		}
	case <-tx.Done():
	case <-ctx.Done():
	}

	d.terminate(ctx, Event{Type: EventTerminated, CallID: d.callID, Reason: "завершен локально"})
	return nil
}

// Hangup завершает вызов способом, соответствующим состоянию: CANCEL до
// ответа, BYE после. Для завершенного диалога ничего не делает.
func (d *Dialog) Hangup(ctx context.Context) error {
	switch d.State() {
	case DialogStateCalling, DialogStateRinging:
		return d.Cancel(ctx)
	case DialogStateEstablished:
		return d.Bye(ctx)
	default:
		return nil
	}
}

// SendDTMF передает один DTMF символ через INFO (application/dtmf-relay).
func (d *Dialog) SendDTMF(ctx context.Context, digit rune) error {
	if d.State() != DialogStateEstablished {
		return ErrInvalidDialogState
	}

	req := d.makeInDialogRequest(sip.INFO)
	contentType := sip.ContentTypeHeader("application/dtmf-relay")
	req.AppendHeader(&contentType)
	req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=100", digit)))

	ctx, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()

	tx, err := d.stack.tl.TransactionRequest(ctx, req)
	if err != nil {
		return errors.Wrap(err, "sip: отправка INFO")
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res.StatusCode >= 300 {
			return errors.Errorf("sip: INFO отклонен: %d %s", res.StatusCode, res.Reason)
		}
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processRemoteBye завершает диалог по BYE удаленной стороны и строит 200 OK.
func (d *Dialog) processRemoteBye(req *sip.Request) *sip.Response {
	ctx := context.Background()
	d.terminate(ctx, Event{Type: EventTerminated, CallID: d.callID, Reason: "завершен удаленной стороной"})
	return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
}

// makeInDialogRequest строит запрос внутри установленного диалога:
// маршрут на remote target, тот же Call-ID, возрастающий CSeq,
// To с tag удаленной стороны.
func (d *Dialog) makeInDialogRequest(method sip.RequestMethod) *sip.Request {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.cseq++

	recipient := d.remoteTarget
	if recipient.Host == "" {
		recipient = d.inviteReq.Recipient
	}

	req := sip.NewRequest(method, recipient)
	req.SetTransport(d.inviteReq.Transport())

	if from := d.inviteReq.From(); from != nil {
		req.AppendHeader(&sip.FromHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      sip.NewParams().Add("tag", d.localTag),
		})
	}

	toParams := sip.NewParams()
	if d.remoteTag != "" {
		toParams = toParams.Add("tag", d.remoteTag)
	}
	req.AppendHeader(&sip.ToHeader{
		Address: d.inviteReq.Recipient,
		Params:  toParams,
	})

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	req.AppendHeader(sip.NewHeader("User-Agent", d.stack.config.UserAgent))

	return req
}

// terminate переводит диалог в Terminated, публикует событие и снимает
// диалог с учета. Повторные вызовы не публикуют событий.
func (d *Dialog) terminate(ctx context.Context, ev Event) {
	d.mutex.Lock()
	current := d.fsm.Current()
	if current == DialogStateTerminated {
		d.mutex.Unlock()
		return
	}
	err := d.fsm.Event(ctx, formEventName(current, DialogStateTerminated))
	d.mutex.Unlock()

	if err != nil {
		return
	}

	d.stack.removeDialog(d.callID)
	d.stack.publishEvent(ev)
}
