// Package sdp строит SDP offer для исходящих вызовов и разбирает SDP answer
// удалённой стороны. Поддерживается одна аудио секция с кодеками G.711
// (PCMU/PCMA) поверх RTP/AVP.
package sdp

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"

	"github.com/MatheusAbmix/abmix-telefone/pkg/codec"
)

// SessionName используется в поле s= генерируемых offer.
const SessionName = "Abmix Call"

// DTMFPayloadType динамический payload type telephone-event (RFC 4733).
// Анонсируется в offer, прием событий этим способом не ведется: DTMF
// уходит через SIP INFO.
const DTMFPayloadType = 101

// RemoteMedia описывает аудио назначение, извлечённое из SDP answer.
type RemoteMedia struct {
	// IP и Port — адрес, на который нужно отправлять RTP.
	IP   string
	Port int
	// PayloadType — согласованный кодек (0 или 8).
	PayloadType uint8
}

// OfferConfig задаёт параметры генерации SDP offer.
type OfferConfig struct {
	// LocalIP — публичный IPv4 адрес, анонсируемый в o= и c=.
	LocalIP string
	// LocalPort — UDP порт общего RTP сокета.
	LocalPort int
	// PayloadTypes — предлагаемые кодеки в порядке предпочтения.
	// Пустой список означает PCMU, затем PCMA.
	PayloadTypes []uint8
	// PtimeMs — длительность кадра в миллисекундах (0 — не анонсировать).
	PtimeMs int
}

// BuildOffer создает SDP offer c одной аудио секцией sendrecv.
func BuildOffer(cfg OfferConfig) (string, error) {
	if cfg.LocalIP == "" {
		return "", errors.New("sdp: не задан локальный IP")
	}
	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return "", errors.Errorf("sdp: некорректный локальный порт %d", cfg.LocalPort)
	}

	payloads := cfg.PayloadTypes
	if len(payloads) == 0 {
		payloads = []uint8{codec.PayloadTypePCMU, codec.PayloadTypePCMA}
	}

	formats := make([]string, 0, len(payloads)+1)
	attributes := make([]sdp.Attribute, 0, len(payloads)+4)
	for _, pt := range payloads {
		c, err := codec.ByPayloadType(pt)
		if err != nil {
			return "", errors.Wrap(err, "sdp: offer")
		}
		formats = append(formats, strconv.Itoa(int(pt)))
		attributes = append(attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/8000", pt, c.Name())))
	}
	formats = append(formats, strconv.Itoa(DTMFPayloadType))
	attributes = append(attributes,
		sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", DTMFPayloadType)),
		sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", DTMFPayloadType)))
	if cfg.PtimeMs > 0 {
		attributes = append(attributes, sdp.NewAttribute("ptime", strconv.Itoa(cfg.PtimeMs)))
	}
	attributes = append(attributes, sdp.NewPropertyAttribute("sendrecv"))

	now := uint64(time.Now().Unix())
	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: cfg.LocalIP,
		},
		SessionName: sdp.SessionName(SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: cfg.LocalIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: cfg.LocalPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attributes,
			},
		},
	}

	raw, err := offer.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "sdp: сериализация offer")
	}
	return string(raw), nil
}

// ParseAnswer разбирает SDP answer и возвращает адрес и кодек для отправки RTP.
//
// Адрес берётся из c= на уровне медиа, при его отсутствии — с уровня сессии.
// Кодеком становится первый формат аудио секции из числа поддерживаемых.
func ParseAnswer(body []byte) (*RemoteMedia, error) {
	if len(body) == 0 {
		return nil, errors.New("sdp: пустой answer")
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, errors.Wrap(err, "sdp: разбор answer")
	}

	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, errors.New("sdp: в answer нет аудио секции")
	}
	if audio.MediaName.Port.Value == 0 {
		return nil, errors.New("sdp: аудио секция отклонена (порт 0)")
	}

	conn := audio.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	if conn == nil || conn.Address == nil || conn.Address.Address == "" {
		return nil, errors.New("sdp: в answer нет информации о соединении")
	}

	pt, err := selectPayload(audio.MediaName.Formats)
	if err != nil {
		return nil, err
	}

	return &RemoteMedia{
		IP:          conn.Address.Address,
		Port:        audio.MediaName.Port.Value,
		PayloadType: pt,
	}, nil
}

// selectPayload выбирает первый поддерживаемый G.711 формат из списка.
func selectPayload(formats []string) (uint8, error) {
	for _, f := range formats {
		n, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		if n == int(codec.PayloadTypePCMU) || n == int(codec.PayloadTypePCMA) {
			return uint8(n), nil
		}
	}
	return 0, errors.Errorf("sdp: нет поддерживаемых кодеков среди %v", formats)
}
