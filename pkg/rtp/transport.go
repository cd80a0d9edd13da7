// Package rtp реализует медиа транспорт звонков: один общий UDP сокет,
// RTP сессии с демультиплексированием входящих пакетов по адресу источника
// и стабильным SSRC/sequence/timestamp для исходящего потока.
package rtp

import (
	"net"
	"time"
)

// Константы валидации пакетов согласно RFC 3550.
const (
	// MinRTPPacketSize минимальный размер RTP пакета (заголовок без расширений).
	MinRTPPacketSize = 12
	// MaxRTPPacketSize максимальный размер пакета (MTU Ethernet).
	MaxRTPPacketSize = 1500
	// ExpectedRTPVersion версия протокола по RFC 3550.
	ExpectedRTPVersion = 2
)

// Параметры аудио потока G.711: 8000 Гц, кадр 20 мс.
const (
	DefaultClockRate     = 8000
	DefaultFrameDuration = 20 * time.Millisecond
	// SamplesPerFrame количество сэмплов (и байт G.711) в одном кадре.
	SamplesPerFrame = 160
)

const (
	// VoiceOptimizedBuffer размер системных буферов сокета. 64KB хватает
	// для буферизации ~3 секунд аудио G.711 кадрами по 20 мс.
	VoiceOptimizedBuffer = 65535

	// DSCPExpeditedForwarding маркировка EF для интерактивного аудио (RFC 4594).
	DSCPExpeditedForwarding = 46
)

// Transport абстрагирует пакетный транспорт под общим сокетом.
// Реализации: UDPTransport (основная) и DTLSTransport (шифрованный транк
// с фиксированным пиром).
type Transport interface {
	// WriteTo отправляет сериализованный RTP пакет по указанному адресу.
	WriteTo(data []byte, addr *net.UDPAddr) (int, error)

	// ReadFrom блокирующе читает очередной пакет и адрес его источника.
	ReadFrom(buf []byte) (int, *net.UDPAddr, error)

	// LocalAddr возвращает локальный адрес сокета.
	LocalAddr() *net.UDPAddr

	// Close закрывает транспорт. Блокированные ReadFrom завершаются ошибкой.
	Close() error
}

// TransportConfig задает параметры создания транспорта.
type TransportConfig struct {
	// LocalAddr локальный адрес вида "0.0.0.0:10000".
	LocalAddr string

	// DSCP маркировка исходящих пакетов для QoS. 0 — best effort.
	DSCP int

	// BufferSize размер системных буферов. 0 — VoiceOptimizedBuffer.
	BufferSize int
}

func (c *TransportConfig) applyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = VoiceOptimizedBuffer
	}
	if c.DSCP == 0 {
		c.DSCP = DSCPExpeditedForwarding
	}
}
