package rtp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
)

// DTLSTransport шифрованный транспорт для транков с фиксированным медиа
// пиром. В отличие от UDPTransport соединение привязано к одному удалённому
// адресу: WriteTo игнорирует переданный адрес, ReadFrom всегда возвращает
// адрес пира.
type DTLSTransport struct {
	dtlsConn   *dtls.Conn
	localAddr  *net.UDPAddr
	remoteAddr *net.UDPAddr
	config     DTLSTransportConfig

	active bool
	mutex  sync.RWMutex
}

// DTLSTransportConfig конфигурация DTLS транспорта.
type DTLSTransportConfig struct {
	TransportConfig

	// RemoteAddr адрес медиа пира, обязателен.
	RemoteAddr string

	Certificates       []tls.Certificate
	RootCAs            *x509.CertPool
	ServerName         string
	InsecureSkipVerify bool

	// PSK настройки для транков без сертификатов.
	PSK             func([]byte) ([]byte, error)
	PSKIdentityHint []byte

	CipherSuites []dtls.CipherSuiteID

	HandshakeTimeout time.Duration

	// MTU для фрагментации DTLS сообщений. 1200 оставляет запас под
	// заголовки записи DTLS в пределах Ethernet MTU.
	MTU int

	ReplayProtectionWindow int
}

func (c *DTLSTransportConfig) applyDefaults() {
	c.TransportConfig.applyDefaults()
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.MTU == 0 {
		c.MTU = 1200
	}
	if c.ReplayProtectionWindow == 0 {
		c.ReplayProtectionWindow = 64
	}
	if len(c.CipherSuites) == 0 {
		c.CipherSuites = []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		}
	}
}

// NewDTLSTransport устанавливает DTLS соединение с медиа пиром транка.
func NewDTLSTransport(config DTLSTransportConfig) (*DTLSTransport, error) {
	config.applyDefaults()

	if config.RemoteAddr == "" {
		return nil, fmt.Errorf("удаленный адрес обязателен для DTLS транспорта")
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}

	// Соединение исходит с настроенного локального порта: он же
	// анонсируется в SDP.
	var laddr *net.UDPAddr
	if config.LocalAddr != "" {
		laddr, err = net.ResolveUDPAddr("udp", config.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
		}
	}

	conn, err := net.DialUDP("udp", laddr, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	dtlsConfig := &dtls.Config{
		Certificates:           config.Certificates,
		RootCAs:                config.RootCAs,
		ServerName:             config.ServerName,
		CipherSuites:           config.CipherSuites,
		InsecureSkipVerify:     config.InsecureSkipVerify,
		PSK:                    config.PSK,
		PSKIdentityHint:        config.PSKIdentityHint,
		MTU:                    config.MTU,
		ReplayProtectionWindow: config.ReplayProtectionWindow,
		ExtendedMasterSecret:   dtls.RequireExtendedMasterSecret,
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.HandshakeTimeout)
	defer cancel()

	dtlsConn, err := dtls.ClientWithContext(ctx, conn, dtlsConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка DTLS рукопожатия: %w", err)
	}

	localAddr, _ := conn.LocalAddr().(*net.UDPAddr)

	return &DTLSTransport{
		dtlsConn:   dtlsConn,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
		config:     config,
		active:     true,
	}, nil
}

// WriteTo отправляет пакет пиру. Адрес назначения игнорируется, так как
// DTLS соединение уже привязано к пиру.
func (t *DTLSTransport) WriteTo(data []byte, _ *net.UDPAddr) (int, error) {
	t.mutex.RLock()
	active := t.active
	t.mutex.RUnlock()

	if !active {
		return 0, newSessionError("send", "транспорт закрыт")
	}
	if err := validatePacketSize(len(data)); err != nil {
		return 0, err
	}

	n, err := t.dtlsConn.Write(data)
	if err != nil {
		return n, classifyNetworkError("DTLS write", err)
	}
	return n, nil
}

// ReadFrom читает очередной расшифрованный пакет от пира.
func (t *DTLSTransport) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, err := t.dtlsConn.Read(buf)
	if err != nil {
		return 0, nil, classifyNetworkError("DTLS read", err)
	}
	return n, t.remoteAddr, nil
}

// LocalAddr возвращает локальный адрес соединения.
func (t *DTLSTransport) LocalAddr() *net.UDPAddr {
	return t.localAddr
}

// Close закрывает DTLS соединение.
func (t *DTLSTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false
	return t.dtlsConn.Close()
}
