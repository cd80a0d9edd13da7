package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOffer(t *testing.T) {
	offer, err := BuildOffer(OfferConfig{
		LocalIP:   "203.0.113.10",
		LocalPort: 40000,
		PtimeMs:   20,
	})
	require.NoError(t, err)

	assert.Contains(t, offer, "s=Abmix Call")
	assert.Contains(t, offer, "c=IN IP4 203.0.113.10")
	assert.Contains(t, offer, "m=audio 40000 RTP/AVP 0 8 101")
	assert.Contains(t, offer, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, offer, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, offer, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, offer, "a=fmtp:101 0-15")
	assert.Contains(t, offer, "a=ptime:20")
	assert.Contains(t, offer, "a=sendrecv")
}

func TestBuildOfferSinglePayload(t *testing.T) {
	offer, err := BuildOffer(OfferConfig{
		LocalIP:      "203.0.113.10",
		LocalPort:    40000,
		PayloadTypes: []uint8{8},
	})
	require.NoError(t, err)

	assert.Contains(t, offer, "m=audio 40000 RTP/AVP 8 101")
	assert.NotContains(t, offer, "PCMU")
}

func TestBuildOfferValidation(t *testing.T) {
	_, err := BuildOffer(OfferConfig{LocalPort: 40000})
	assert.Error(t, err)

	_, err = BuildOffer(OfferConfig{LocalIP: "203.0.113.10", LocalPort: 0})
	assert.Error(t, err)

	_, err = BuildOffer(OfferConfig{LocalIP: "203.0.113.10", LocalPort: 40000, PayloadTypes: []uint8{96}})
	assert.Error(t, err)
}

const answerWithMediaConnection = "v=0\r\n" +
	"o=root 12345 12345 IN IP4 198.51.100.5\r\n" +
	"s=session\r\n" +
	"c=IN IP4 198.51.100.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 18550 RTP/AVP 8 0\r\n" +
	"c=IN IP4 198.51.100.77\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func TestParseAnswer(t *testing.T) {
	remote, err := ParseAnswer([]byte(answerWithMediaConnection))
	require.NoError(t, err)

	// c= на уровне медиа имеет приоритет над сессионным.
	assert.Equal(t, "198.51.100.77", remote.IP)
	assert.Equal(t, 18550, remote.Port)
	// Выбирается первый формат из списка.
	assert.Equal(t, uint8(8), remote.PayloadType)
}

func TestParseAnswerSessionConnection(t *testing.T) {
	answer := strings.Replace(answerWithMediaConnection, "c=IN IP4 198.51.100.77\r\n", "", 1)
	remote, err := ParseAnswer([]byte(answer))
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.5", remote.IP)
}

func TestParseAnswerSkipsUnknownFormats(t *testing.T) {
	answer := strings.Replace(answerWithMediaConnection,
		"m=audio 18550 RTP/AVP 8 0", "m=audio 18550 RTP/AVP 101 0", 1)
	remote, err := ParseAnswer([]byte(answer))
	require.NoError(t, err)
	assert.Equal(t, uint8(0), remote.PayloadType)
}

func TestParseAnswerErrors(t *testing.T) {
	_, err := ParseAnswer(nil)
	assert.Error(t, err)

	_, err = ParseAnswer([]byte("не sdp"))
	assert.Error(t, err)

	// Отклонённая аудио секция.
	rejected := strings.Replace(answerWithMediaConnection,
		"m=audio 18550 RTP/AVP 8 0", "m=audio 0 RTP/AVP 8 0", 1)
	_, err = ParseAnswer([]byte(rejected))
	assert.Error(t, err)

	// Нет общих кодеков.
	noCodec := strings.Replace(answerWithMediaConnection,
		"m=audio 18550 RTP/AVP 8 0", "m=audio 18550 RTP/AVP 96 101", 1)
	_, err = ParseAnswer([]byte(noCodec))
	assert.Error(t, err)
}
