// Package config загружает конфигурацию движка из переменных окружения.
// Файл .env, если присутствует, подхватывается до разбора окружения.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config конфигурация процесса. Разбирается один раз на старте;
// некорректный публичный адрес фатален до любых сетевых операций.
type Config struct {
	// Учетные данные и адрес SIP транка.
	SIPUsername   string `env:"SIP_USERNAME,required,notEmpty"`
	SIPPassword   string `env:"SIP_PASSWORD,required,notEmpty"`
	SIPServerHost string `env:"SIP_SERVER_HOST,required,notEmpty"`
	SIPServerPort int    `env:"SIP_SERVER_PORT" envDefault:"5060"`
	SIPTransport  string `env:"SIP_TRANSPORT" envDefault:"udp"`

	// Локальные порты сигнализации и медиа.
	SIPLocalPort int `env:"SIP_LOCAL_PORT" envDefault:"5060"`
	RTPPort      int `env:"RTP_PORT" envDefault:"10000"`

	// Медиа транспорт. dtls шифрует RTP до фиксированного медиа шлюза
	// транка, заданного RTP_DTLS_REMOTE_ADDR.
	RTPTransport      string `env:"RTP_TRANSPORT" envDefault:"udp"`
	RTPDTLSRemoteAddr string `env:"RTP_DTLS_REMOTE_ADDR"`
	RTPDTLSServerName string `env:"RTP_DTLS_SERVER_NAME"`
	RTPDTLSInsecure   bool   `env:"RTP_DTLS_INSECURE" envDefault:"false"`

	// PublicIP публичный IPv4, объявляемый в SDP и Via.
	PublicIP string `env:"PUBLIC_IP,required,notEmpty"`

	RegisterExpires int    `env:"SIP_REGISTER_EXPIRES" envDefault:"300"`
	FromNumber      string `env:"FROM_NUMBER"`

	// HTTP сторона: API управления звонками и /metrics.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Внешний голосовой сервис. Пустые адреса отключают мост.
	SpeechRecognitionURL string `env:"SPEECH_RECOGNITION_URL"`
	SpeechSynthesisURL   string `env:"SPEECH_SYNTHESIS_URL"`
	SpeechAPIKey         string `env:"SPEECH_API_KEY"`

	VoiceProfileMasculine string `env:"VOICE_PROFILE_MASCULINE" envDefault:"voice-m-01"`
	VoiceProfileFeminine  string `env:"VOICE_PROFILE_FEMININE" envDefault:"voice-f-01"`
	VoiceProfileNatural   string `env:"VOICE_PROFILE_NATURAL" envDefault:"voice-n-01"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load читает .env (если есть) и переменные окружения, затем валидирует.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: чтение .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: разбор окружения: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность конфигурации.
func (c *Config) Validate() error {
	switch strings.ToLower(c.SIPTransport) {
	case "udp", "tcp":
	default:
		return fmt.Errorf("config: недопустимый транспорт %q, ожидается udp или tcp", c.SIPTransport)
	}

	switch strings.ToLower(c.RTPTransport) {
	case "udp":
	case "dtls":
		if c.RTPDTLSRemoteAddr == "" {
			return fmt.Errorf("config: RTP_TRANSPORT=dtls требует RTP_DTLS_REMOTE_ADDR")
		}
	default:
		return fmt.Errorf("config: недопустимый медиа транспорт %q, ожидается udp или dtls", c.RTPTransport)
	}

	for name, port := range map[string]int{
		"SIP_SERVER_PORT": c.SIPServerPort,
		"SIP_LOCAL_PORT":  c.SIPLocalPort,
		"RTP_PORT":        c.RTPPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("config: %s вне диапазона: %d", name, port)
		}
	}

	if c.RegisterExpires < 60 {
		return fmt.Errorf("config: SIP_REGISTER_EXPIRES меньше минуты: %d", c.RegisterExpires)
	}

	return validatePublicIP(c.PublicIP)
}

// validatePublicIP требует корректный публичный IPv4: адрес попадает в
// SDP и Via, частный или loopback адрес делает звонки заведомо
// неработоспособными.
func validatePublicIP(addr string) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("config: PUBLIC_IP не является IP адресом: %q", addr)
	}
	if ip.To4() == nil {
		return fmt.Errorf("config: PUBLIC_IP должен быть IPv4: %s", ip)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsMulticast() {
		return fmt.Errorf("config: PUBLIC_IP не публичный адрес: %s", ip)
	}
	return nil
}

// SlogLevel преобразует LOG_LEVEL в уровень slog. Неизвестное значение
// трактуется как info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// VoiceProfiles возвращает карту профилей голосового сервиса по режимам.
func (c *Config) VoiceProfiles() map[string]string {
	return map[string]string{
		"masculine": c.VoiceProfileMasculine,
		"feminine":  c.VoiceProfileFeminine,
		"natural":   c.VoiceProfileNatural,
	}
}

// BridgeEnabled сообщает, настроен ли внешний голосовой сервис.
func (c *Config) BridgeEnabled() bool {
	return c.SpeechRecognitionURL != "" && c.SpeechSynthesisURL != ""
}
