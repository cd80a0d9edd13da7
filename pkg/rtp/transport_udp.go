package rtp

import (
	"fmt"
	"net"
	"sync"
)

// UDPTransport основной транспорт медиа движка. Все звонки делят один
// UDP сокет, принадлежность пакета сессии определяется адресом источника.
type UDPTransport struct {
	conn   *net.UDPConn
	config TransportConfig

	active bool
	mutex  sync.RWMutex
}

// NewUDPTransport создает UDP сокет и применяет настройки для голосового
// трафика (буферы, DSCP, платформенные опции сокета).
func NewUDPTransport(config TransportConfig) (*UDPTransport, error) {
	config.applyDefaults()

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP сокета: %w", err)
	}

	if err := setSockOptForVoice(conn, config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	return &UDPTransport{
		conn:   conn,
		config: config,
		active: true,
	}, nil
}

// WriteTo отправляет пакет на указанный адрес.
func (t *UDPTransport) WriteTo(data []byte, addr *net.UDPAddr) (int, error) {
	t.mutex.RLock()
	active := t.active
	t.mutex.RUnlock()

	if !active {
		return 0, newSessionError("send", "транспорт закрыт")
	}
	if addr == nil {
		return 0, newValidationError("send", "адрес назначения не задан")
	}
	if err := validatePacketSize(len(data)); err != nil {
		return 0, err
	}

	n, err := t.conn.WriteToUDP(data, addr)
	if err != nil {
		return n, classifyNetworkError("UDP write", err)
	}
	return n, nil
}

// ReadFrom читает очередной пакет из сокета.
func (t *UDPTransport) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, classifyNetworkError("UDP read", err)
	}
	return n, addr, nil
}

// LocalAddr возвращает фактический локальный адрес сокета.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	addr, _ := t.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Close закрывает сокет. Повторный вызов безопасен.
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false
	return t.conn.Close()
}

// setSockOptForVoice применяет настройки сокета для телефонии.
func setSockOptForVoice(conn *net.UDPConn, config TransportConfig) error {
	if err := conn.SetReadBuffer(config.BufferSize); err != nil {
		return fmt.Errorf("не удалось установить буфер чтения: %w", err)
	}
	if err := conn.SetWriteBuffer(config.BufferSize); err != nil {
		return fmt.Errorf("не удалось установить буфер записи: %w", err)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	var sockOptErr error
	err = rawConn.Control(func(fd uintptr) {
		sockOptErr = applyVoiceSockOpts(fd, config.DSCP)
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}
	return sockOptErr
}

// validatePacketSize проверяет размер пакета по границам RFC 3550 / MTU.
func validatePacketSize(size int) error {
	if size < MinRTPPacketSize {
		return newValidationError("validate", "пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > MaxRTPPacketSize {
		return newValidationError("validate", "пакет слишком велик: %d байт (максимум %d)", size, MaxRTPPacketSize)
	}
	return nil
}
