//go:build windows

package rtp

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// applyVoiceSockOpts применяет Windows-специфичные настройки сокета.
// Windows не поддерживает SO_REUSEPORT, QoS маркировка часто требует
// административных прав, поэтому эти ошибки не фатальны.
func applyVoiceSockOpts(fd uintptr, dscp int) error {
	handle := windows.Handle(fd)

	if err := windows.SetsockoptInt(handle, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
		return err
	}

	// Winsock значение IP_TOS.
	const sockoptIPTOS = 3
	tos := dscp << 2
	_ = windows.SetsockoptInt(handle, windows.IPPROTO_IP, sockoptIPTOS, tos)

	_ = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, VoiceOptimizedBuffer)
	_ = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, VoiceOptimizedBuffer)

	return nil
}
