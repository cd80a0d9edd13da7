package telephony

import (
	"context"
	"time"

	"github.com/MatheusAbmix/abmix-telefone/pkg/codec"
	"github.com/MatheusAbmix/abmix-telefone/pkg/rtp"
)

// Статусы звонка.
type CallStatus string

const (
	StatusInitiating CallStatus = "initiating"
	StatusRinging    CallStatus = "ringing"
	StatusAnswered   CallStatus = "answered"
	StatusEnded      CallStatus = "ended"
	StatusFailed     CallStatus = "failed"
)

// final сообщает, достиг ли статус конечного состояния.
func (s CallStatus) final() bool {
	return s == StatusEnded || s == StatusFailed
}

// Snapshot моментальный снимок состояния звонка для читателей.
// Контроллер единственный, кто изменяет звонок; наружу уходят только копии.
type Snapshot struct {
	CallID     string
	ToNumber   string
	FromNumber string
	Status     CallStatus
	VoiceMode  string
	StartTime  time.Time
	EndTime    time.Time
	LastError  string
}

// call состояние одного звонка. Все поля изменяются только контроллером
// под его мьютексом.
type call struct {
	callID     string
	toNumber   string
	fromNumber string
	voiceMode  string

	status    CallStatus
	startTime time.Time
	endTime   time.Time
	lastError string

	dialog     Dialog
	rtpSession *rtp.Session
	pacer      *rtp.Pacer
	codec      *codec.Codec

	// cancelMedia останавливает ритмизатор и ретрансляцию кадров.
	cancelMedia context.CancelFunc
}

func (c *call) snapshot() Snapshot {
	return Snapshot{
		CallID:     c.callID,
		ToNumber:   c.toNumber,
		FromNumber: c.fromNumber,
		Status:     c.status,
		VoiceMode:  c.voiceMode,
		StartTime:  c.startTime,
		EndTime:    c.endTime,
		LastError:  c.lastError,
	}
}
