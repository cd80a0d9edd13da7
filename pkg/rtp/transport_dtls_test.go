package rtp

import (
	"net"
	"testing"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDTLSEcho поднимает PSK сервер на loopback, отражающий пакеты обратно.
func startDTLSEcho(t *testing.T, psk []byte) *net.UDPAddr {
	t.Helper()

	laddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	listener, err := dtls.Listen("udp", laddr, &dtls.Config{
		PSK:                  func([]byte) ([]byte, error) { return psk, nil },
		PSKIdentityHint:      []byte("trunk-media"),
		CipherSuites:         []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	})
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 1500)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	return listener.Addr().(*net.UDPAddr)
}

func TestDTLSTransportEcho(t *testing.T) {
	psk := []byte{0x1b, 0x2c, 0x3d, 0x4e, 0x5f, 0x60, 0x71, 0x82}
	serverAddr := startDTLSEcho(t, psk)

	transport, err := NewDTLSTransport(DTLSTransportConfig{
		RemoteAddr:       serverAddr.String(),
		PSK:              func([]byte) ([]byte, error) { return psk, nil },
		PSKIdentityHint:  []byte("abmixphone"),
		CipherSuites:     []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		HandshakeTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer transport.Close()

	require.NotNil(t, transport.LocalAddr())

	payload := []byte("rtp-over-dtls")
	n, err := transport.WriteTo(payload, nil)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, 1500)
	n, addr, err := transport.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
	assert.Equal(t, serverAddr.String(), addr.String())
}

func TestDTLSTransportWriteAfterClose(t *testing.T) {
	psk := []byte{0x1b, 0x2c, 0x3d, 0x4e, 0x5f, 0x60, 0x71, 0x82}
	serverAddr := startDTLSEcho(t, psk)

	transport, err := NewDTLSTransport(DTLSTransportConfig{
		RemoteAddr:       serverAddr.String(),
		PSK:              func([]byte) ([]byte, error) { return psk, nil },
		PSKIdentityHint:  []byte("abmixphone"),
		CipherSuites:     []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		HandshakeTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, transport.Close())

	_, err = transport.WriteTo([]byte{0x80}, nil)
	require.Error(t, err)

	// Повторное закрытие не возвращает ошибку.
	assert.NoError(t, transport.Close())
}

func TestNewDTLSTransportRequiresRemoteAddr(t *testing.T) {
	_, err := NewDTLSTransport(DTLSTransportConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "удаленный адрес")
}
