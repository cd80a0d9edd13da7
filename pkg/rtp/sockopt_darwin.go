//go:build darwin

package rtp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// applyVoiceSockOpts применяет macOS-специфичные оптимизации сокета для голоса.
func applyVoiceSockOpts(fd uintptr, dscp int) error {
	sock := int(fd)

	if err := syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		return err
	}

	// SO_REUSEPORT доступен начиная с macOS 10.10, на старых версиях
	// ошибка игнорируется.
	_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	// Предотвращаем SIGPIPE при записи в закрытый сокет.
	_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)

	// Некоторые TOS значения требуют root, поэтому ошибки не фатальны.
	tos := dscp << 2
	_ = syscall.SetsockoptInt(sock, syscall.IPPROTO_IP, syscall.IP_TOS, tos)
	_ = syscall.SetsockoptInt(sock, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	return nil
}
