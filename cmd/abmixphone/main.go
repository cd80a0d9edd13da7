// Команда abmixphone запускает движок исходящей телефонии: SIP
// регистрацию и сигнализацию, общий RTP сокет, голосовой мост и HTTP
// API управления звонками с метриками Prometheus.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MatheusAbmix/abmix-telefone/pkg/bridge"
	"github.com/MatheusAbmix/abmix-telefone/pkg/config"
	"github.com/MatheusAbmix/abmix-telefone/pkg/rtp"
	"github.com/MatheusAbmix/abmix-telefone/pkg/sip"
	"github.com/MatheusAbmix/abmix-telefone/pkg/telephony"
)

func main() {
	if err := run(); err != nil {
		slog.Error("завершение с ошибкой", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := sip.NewStack(sip.Config{
		ServerHost:      cfg.SIPServerHost,
		ServerPort:      cfg.SIPServerPort,
		Transport:       cfg.SIPTransport,
		Username:        cfg.SIPUsername,
		Password:        cfg.SIPPassword,
		LocalHost:       cfg.PublicIP,
		LocalPort:       cfg.SIPLocalPort,
		RegisterExpires: cfg.RegisterExpires,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer stack.Close()

	registration := sip.NewRegistration(stack)

	transport, err := newMediaTransport(cfg)
	if err != nil {
		return err
	}

	engine, err := rtp.NewEngine(rtp.EngineConfig{
		LocalAddr: fmt.Sprintf(":%d", cfg.RTPPort),
		Transport: transport,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	var voiceBridge *bridge.Manager
	if cfg.BridgeEnabled() {
		voiceBridge, err = bridge.NewManager(bridge.Config{
			RecognitionURL:  cfg.SpeechRecognitionURL,
			SynthesisURL:    cfg.SpeechSynthesisURL,
			APIKey:          cfg.SpeechAPIKey,
			VoiceProfileIDs: cfg.VoiceProfiles(),
			Logger:          logger,
		})
		if err != nil {
			return err
		}
		defer voiceBridge.Close()
	} else {
		logger.Info("голосовой сервис не настроен, звонки идут без преобразования")
	}

	controller, err := telephony.NewController(telephony.Config{
		PublicIP:   cfg.PublicIP,
		FromNumber: cfg.FromNumber,
		Logger:     logger,
	}, stack, registration, engine, voiceBridge)
	if err != nil {
		return err
	}
	defer controller.Close()

	engine.Start(ctx)
	if voiceBridge != nil {
		voiceBridge.Start(ctx)
	}

	go func() {
		if err := stack.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("SIP движок остановился", slog.Any("error", err))
			stop()
		}
	}()

	// Первая регистрация не блокирует старт: Dial при необходимости
	// зарегистрируется сам, Run поддерживает продление.
	go func() {
		if err := registration.Register(ctx); err != nil {
			logger.Warn("начальная регистрация не удалась", slog.Any("error", err))
		}
		registration.Run(ctx)
	}()

	go controller.Run(ctx)

	api := newAPIServer(controller, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("HTTP API слушает", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP сервер остановился", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("остановка движка")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newMediaTransport строит RTP транспорт по конфигурации. Для udp
// возвращает nil: движок сам создаст UDPTransport на RTP_PORT.
func newMediaTransport(cfg *config.Config) (rtp.Transport, error) {
	if !strings.EqualFold(cfg.RTPTransport, "dtls") {
		return nil, nil
	}
	return rtp.NewDTLSTransport(rtp.DTLSTransportConfig{
		TransportConfig: rtp.TransportConfig{
			LocalAddr: fmt.Sprintf(":%d", cfg.RTPPort),
		},
		RemoteAddr:         cfg.RTPDTLSRemoteAddr,
		ServerName:         cfg.RTPDTLSServerName,
		InsecureSkipVerify: cfg.RTPDTLSInsecure,
	})
}
