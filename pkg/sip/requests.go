package sip

import (
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Таймауты транзакций. UDP ретранслируется транзакционным слоем, TCP
// дольше устанавливает соединение.
const (
	registerTimeoutUDP = 10 * time.Second
	registerTimeoutTCP = 15 * time.Second
	byeTimeout         = 5 * time.Second
	infoTimeout        = 5 * time.Second
)

// newTag генерирует уникальный tag для From/To.
func newTag() string {
	return uuid.NewString()[:8]
}

// newCallID генерирует уникальный Call-ID.
func newCallID() string {
	return uuid.NewString()
}

// serverURI возвращает URI SIP транка.
func (s *Stack) serverURI() sip.Uri {
	return sip.Uri{Host: s.config.ServerHost, Port: s.config.ServerPort}
}

// contactURI возвращает локальный контактный URI.
func (s *Stack) contactURI() sip.Uri {
	return sip.Uri{
		User: s.config.Username,
		Host: s.config.LocalHost,
		Port: s.config.LocalPort,
	}
}

// transactionTimeout возвращает таймаут ожидания финального ответа.
func (s *Stack) transactionTimeout() time.Duration {
	if strings.EqualFold(s.config.Transport, "tcp") {
		return registerTimeoutTCP
	}
	return registerTimeoutUDP
}

// makeRegisterRequest строит REGISTER. AOR совпадает для From и To,
// Contact указывает на локальный адрес движка. Call-ID и from tag
// сохраняются между продлениями (RFC 3261 10.2), поэтому задаются
// вызывающей стороной вместе с очередным CSeq.
func (s *Stack) makeRegisterRequest(callID, fromTag string, cseq uint32, expires int) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, s.serverURI())
	req.SetTransport(strings.ToUpper(s.config.Transport))

	aor := sip.Uri{User: s.config.Username, Host: s.config.ServerHost}

	req.AppendHeader(&sip.FromHeader{
		Address: aor,
		Params:  sip.NewParams().Add("tag", fromTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: s.contactURI()})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	req.AppendHeader(sip.NewHeader("User-Agent", s.config.UserAgent))

	return req
}

// makeInviteRequest строит первоначальный INVITE с SDP offer.
func (s *Stack) makeInviteRequest(callID, localTag, target string, sdpOffer []byte) *sip.Request {
	targetURI := sip.Uri{User: target, Host: s.config.ServerHost, Port: s.config.ServerPort}

	req := sip.NewRequest(sip.INVITE, targetURI)
	req.SetTransport(strings.ToUpper(s.config.Transport))

	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: s.config.Username, Host: s.config.ServerHost},
		Params:  sip.NewParams().Add("tag", localTag),
	})
	// Params инициализируются пустыми: NewResponseFromRequest проставляет
	// to tag прямо в склонированную карту параметров.
	req.AppendHeader(&sip.ToHeader{Address: targetURI, Params: sip.NewParams()})

	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: s.contactURI()})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	req.AppendHeader(sip.NewHeader("User-Agent", s.config.UserAgent))

	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(sdpOffer)

	return req
}

// makeCancelRequest строит CANCEL для незавершенной INVITE транзакции
// (RFC 3261 9.1): те же Request-URI, From, To, Call-ID и номер CSeq.
// Via клонируется из INVITE, чтобы branch совпал с отменяемой транзакцией.
func makeCancelRequest(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	req.SipVersion = invite.SipVersion
	req.SetTransport(invite.Transport())

	if via := invite.Via(); via != nil {
		req.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, req)

	if h := invite.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		req.AppendHeader(cseq)
	}

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	return req
}
