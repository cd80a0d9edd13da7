// Package sip реализует исходящую сторону SIP: регистрацию на транке с
// digest аутентификацией (RFC 2617/7616), диалоги INVITE/ACK/BYE/CANCEL
// и передачу DTMF через INFO. Транспорт и транзакции — sipgo.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// Config параметры SIP движка.
type Config struct {
	// ServerHost и ServerPort адрес SIP транка.
	ServerHost string
	ServerPort int

	// Transport протокол сигнализации: "udp" или "tcp".
	Transport string

	// Username и Password учетные данные digest аутентификации.
	// Username также используется как user-часть From и Contact.
	Username string
	Password string

	// LocalHost публичный IPv4 адрес, анонсируемый в Via/Contact.
	LocalHost string
	// LocalPort порт SIP сигнализации.
	LocalPort int

	// UserAgent значение заголовка User-Agent.
	UserAgent string

	// RegisterExpires период регистрации в секундах. 0 — 300.
	RegisterExpires int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.ServerPort == 0 {
		c.ServerPort = 5060
	}
	if c.LocalPort == 0 {
		c.LocalPort = 5060
	}
	if c.UserAgent == "" {
		c.UserAgent = "Abmix Telefone"
	}
	if c.RegisterExpires == 0 {
		c.RegisterExpires = 300
	}
}

// Validate проверяет обязательные поля конфигурации.
func (c *Config) Validate() error {
	if c.ServerHost == "" {
		return errors.New("sip: не задан адрес SIP сервера")
	}
	if c.Username == "" {
		return errors.New("sip: не задано имя пользователя")
	}
	if c.LocalHost == "" {
		return errors.New("sip: не задан локальный адрес")
	}
	return nil
}

// transactionLayer абстрагирует клиентскую часть sipgo для подмены в тестах.
type transactionLayer interface {
	TransactionRequest(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, opts ...sipgo.ClientRequestOption) error
}

// Stack SIP движок: user agent, клиентские транзакции, обработчики
// входящих запросов и реестр активных диалогов.
type Stack struct {
	config Config
	logger *slog.Logger

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	tl     transactionLayer

	mutex   sync.RWMutex
	dialogs map[string]*Dialog

	events chan Event

	closeOnce sync.Once
}

// NewStack создает SIP движок и регистрирует обработчики входящих запросов.
func NewStack(config Config) (*Stack, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgentHostname(config.LocalHost),
	)
	if err != nil {
		return nil, errors.Wrap(err, "sip: создание user agent")
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(config.LocalHost),
	)
	if err != nil {
		return nil, errors.Wrap(err, "sip: создание клиента")
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "sip: создание сервера")
	}

	s := &Stack{
		config:  config,
		logger:  logger.With(slog.String("component", "sip-stack")),
		ua:      ua,
		client:  client,
		server:  server,
		tl:      client,
		dialogs: make(map[string]*Dialog),
		events:  make(chan Event, DefaultEventQueueSize),
	}
	s.setupHandlers()

	return s, nil
}

// Events возвращает очередь событий движка.
func (s *Stack) Events() <-chan Event { return s.events }

// Serve принимает входящие SIP сообщения до отмены ctx.
func (s *Stack) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.LocalHost, s.config.LocalPort)
	s.logger.Info("SIP движок слушает",
		slog.String("addr", addr),
		slog.String("transport", s.config.Transport))
	return s.server.ListenAndServe(ctx, s.config.Transport, addr)
}

// Close завершает все диалоги и останавливает движок.
func (s *Stack) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mutex.Lock()
		dialogs := make([]*Dialog, 0, len(s.dialogs))
		for _, d := range s.dialogs {
			dialogs = append(dialogs, d)
		}
		s.mutex.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
		defer cancel()
		for _, d := range dialogs {
			_ = d.Hangup(ctx)
		}

		err = s.ua.Close()
	})
	return err
}

// setupHandlers регистрирует обработчики входящих SIP запросов.
func (s *Stack) setupHandlers() {
	// Движок исходящий, входящие вызовы отклоняются.
	s.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		s.logger.Info("входящий INVITE отклонен",
			slog.String("call_id", callIDOf(req)),
			slog.String("from", req.From().Address.String()))
		res := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("не удалось отклонить INVITE", slog.Any("error", err))
		}
	})

	s.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		// ACK на наши ответы не требует действий.
	})

	s.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		s.handleBye(req, tx)
	})

	s.server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		_ = tx.Respond(res)
	})

	s.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		_ = tx.Respond(res)
	})
}

// handleBye обрабатывает завершение вызова удаленной стороной.
func (s *Stack) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	dialog := s.findDialog(callID)
	if dialog == nil {
		s.logger.Debug("BYE для неизвестного диалога",
			slog.String("call_id", callID))
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}

	res := dialog.processRemoteBye(req)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("не удалось ответить на BYE",
			slog.String("call_id", callID),
			slog.Any("error", err))
	}
}

// findDialog возвращает диалог по Call-ID или nil.
func (s *Stack) findDialog(callID string) *Dialog {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.dialogs[callID]
}

// addDialog регистрирует диалог в реестре движка.
func (s *Stack) addDialog(d *Dialog) {
	s.mutex.Lock()
	s.dialogs[d.callID] = d
	s.mutex.Unlock()
}

// removeDialog снимает диалог с учета.
func (s *Stack) removeDialog(callID string) {
	s.mutex.Lock()
	delete(s.dialogs, callID)
	s.mutex.Unlock()
}

// DialogCount возвращает количество активных диалогов.
func (s *Stack) DialogCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.dialogs)
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
