package sip

import (
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

// Пределы повторов при digest аутентификации. Сервер, отвергающий
// корректные учетные данные, отвечает 401 бесконечно, цикл нужно обрывать.
const (
	maxRegisterAuthAttempts = 3
	maxInviteAuthAttempts   = 5
)

// ErrAuthFailed возвращается при исчерпании попыток аутентификации.
var ErrAuthFailed = errors.New("sip: аутентификация отклонена сервером")

// isAuthChallenge сообщает, требует ли ответ аутентификации.
func isAuthChallenge(status int) bool {
	return status == sip.StatusUnauthorized || status == sip.StatusProxyAuthRequired
}

// authorizeRequest вычисляет digest ответ на challenge из res и добавляет
// его в req. Для 401 используется пара WWW-Authenticate/Authorization,
// для 407 — Proxy-Authenticate/Proxy-Authorization. CSeq увеличивается,
// старый Via снимается, чтобы транзакционный слой сгенерировал новый branch.
func authorizeRequest(req *sip.Request, res *sip.Response, username, password string) error {
	challengeName := "WWW-Authenticate"
	credentialName := "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeName = "Proxy-Authenticate"
		credentialName = "Proxy-Authorization"
	}

	challengeHeader := res.GetHeader(challengeName)
	if challengeHeader == nil {
		return errors.Errorf("sip: в ответе %d нет заголовка %s", res.StatusCode, challengeName)
	}

	challenge, err := digest.ParseChallenge(challengeHeader.Value())
	if err != nil {
		return errors.Wrap(err, "sip: разбор challenge")
	}

	credentials, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return errors.Wrap(err, "sip: вычисление digest")
	}

	req.RemoveHeader(credentialName)
	req.AppendHeader(sip.NewHeader(credentialName, credentials.String()))

	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
	}

	req.RemoveHeader("Via")
	return nil
}
