//go:build linux

package rtp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// applyVoiceSockOpts применяет Linux-специфичные оптимизации сокета для голоса.
// Неподдерживаемые опции (контейнеры, урезанные ядра) игнорируются.
func applyVoiceSockOpts(fd uintptr, dscp int) error {
	sock := int(fd)

	if err := syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		return err
	}

	// SO_REUSEPORT позволяет перезапускать движок без ожидания TIME_WAIT
	// и распределять нагрузку между сокетами на уровне ядра.
	_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	// Приоритет 6 соответствует интерактивному аудио.
	_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, unix.SO_PRIORITY, 6)

	// SO_BUSY_POLL снижает латентность чтения (ядро 3.11+), 50 микросекунд.
	_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, unix.SO_BUSY_POLL, 50)

	// DSCP в старших 6 битах поля TOS.
	tos := dscp << 2
	_ = syscall.SetsockoptInt(sock, syscall.IPPROTO_IP, syscall.IP_TOS, tos)
	_ = syscall.SetsockoptInt(sock, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	return nil
}
