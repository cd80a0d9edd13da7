// Package codec реализует кодеки G.711 (PCMU/PCMA) для телефонного аудио.
//
// Оба варианта работают с 16-битным линейным PCM, 8000 Гц, моно. Преобразование
// побитово совместимо с классической реализацией G.711: смещение 0x84 и
// ограничение 32635 для μ-law, XOR 0x55 без смещения для A-law.
package codec

import "fmt"

// Номера payload type по RFC 3551.
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
)

const (
	muLawBias = 0x84
	g711Clip  = 32635
)

// Байты тишины (закодированный нулевой сэмпл).
const (
	SilencePCMU byte = 0xFF
	SilencePCMA byte = 0xD5
)

// Codec преобразует линейный PCM в сжатый формат G.711 и обратно.
// Экземпляр не имеет состояния и безопасен для конкурентного использования.
type Codec struct {
	payloadType uint8
	name        string
	encode      func(int16) byte
	decode      func(byte) int16
	silence     byte
}

// ByPayloadType возвращает кодек для указанного RTP payload type.
// Поддерживаются только 0 (PCMU) и 8 (PCMA).
func ByPayloadType(pt uint8) (*Codec, error) {
	switch pt {
	case PayloadTypePCMU:
		return &Codec{
			payloadType: pt,
			name:        "PCMU",
			encode:      linearToMuLaw,
			decode:      muLawToLinear,
			silence:     SilencePCMU,
		}, nil
	case PayloadTypePCMA:
		return &Codec{
			payloadType: pt,
			name:        "PCMA",
			encode:      linearToALaw,
			decode:      aLawToLinear,
			silence:     SilencePCMA,
		}, nil
	default:
		return nil, fmt.Errorf("неподдерживаемый payload type %d", pt)
	}
}

// PayloadType возвращает номер payload type кодека.
func (c *Codec) PayloadType() uint8 { return c.payloadType }

// Name возвращает имя кодека ("PCMU" или "PCMA").
func (c *Codec) Name() string { return c.name }

// Encode кодирует линейные PCM сэмплы в G.711. На каждый сэмпл приходится
// ровно один байт результата.
func (c *Codec) Encode(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = c.encode(s)
	}
	return out
}

// Decode декодирует G.711 байты в линейные PCM сэмплы.
func (c *Codec) Decode(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = c.decode(b)
	}
	return out
}

// SilenceFrame возвращает кадр тишины длиной n байт.
func (c *Codec) SilenceFrame(n int) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = c.silence
	}
	return frame
}

// linearToMuLaw преобразует один 16-битный сэмпл в μ-law.
// Алгоритм: знак, ограничение амплитуды, смещение 0x84, поиск экспоненты по
// старшему значащему биту, затем инверсия всех бит результата.
func linearToMuLaw(sample int16) byte {
	v := int(sample)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > g711Clip {
		v = g711Clip
	}
	v += muLawBias

	exp := 7
	for mask := 0x4000; exp > 0 && v&mask == 0; exp-- {
		mask >>= 1
	}
	mantissa := byte(v>>(uint(exp)+3)) & 0x0F

	return ^(sign | byte(exp)<<4 | mantissa)
}

// muLawToLinear преобразует один μ-law байт обратно в линейный PCM.
func muLawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := (b >> 4) & 0x07
	mantissa := b & 0x0F

	v := ((int(mantissa) << 3) + muLawBias) << uint(exp)
	v -= muLawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}

// linearToALaw преобразует один 16-битный сэмпл в A-law.
// В отличие от μ-law смещение не добавляется, итог маскируется XOR:
// 0xD5 для положительных значений и 0x55 для отрицательных.
func linearToALaw(sample int16) byte {
	v := int(sample)
	mask := byte(0xD5)
	if v < 0 {
		v = -v
		mask = 0x55
	}
	if v > g711Clip {
		v = g711Clip
	}

	var seg int
	for s := 7; s > 0; s-- {
		if v >= 256<<uint(s-1) {
			seg = s
			break
		}
	}

	var mantissa byte
	if seg == 0 {
		mantissa = byte(v>>4) & 0x0F
	} else {
		mantissa = byte(v>>(uint(seg)+3)) & 0x0F
	}

	return (byte(seg)<<4 | mantissa) ^ mask
}

// aLawToLinear преобразует один A-law байт обратно в линейный PCM.
func aLawToLinear(b byte) int16 {
	b ^= 0x55
	sign := b & 0x80
	seg := (b >> 4) & 0x07
	mantissa := b & 0x0F

	v := (int(mantissa) << 4) + 8
	if seg > 0 {
		v += 0x100
		v <<= uint(seg - 1)
	}
	if sign == 0 {
		v = -v
	}
	return int16(v)
}
