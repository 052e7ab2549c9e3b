package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-screening/internal/auth"
	"call-screening/internal/calls"
	"call-screening/internal/config"
	"call-screening/internal/notify"
	"call-screening/internal/resilience"
	"call-screening/internal/responder"
	"call-screening/internal/screening"
	"call-screening/internal/synthesis"
	"call-screening/internal/transcription"
	"call-screening/pkg/logger"
	"call-screening/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	// A slot taken by the voice webhook lapses unless its media stream starts within this window.
	callSlotPendingTTL = time.Minute
	// Twilio caps a call at four hours; a started call's slot never outlives that.
	callSlotHeldTTL = 4 * time.Hour
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := calls.Migrate(ctx, db); err != nil {
		return err
	}

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		return err
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	guard := resilience.NewGuard(resilienceConfig(cfg.Resilience), resilience.NewMetrics(reg))

	completer, err := newCompleter(ctx, cfg.Responder)
	if err != nil {
		return err
	}

	store := calls.NewPostgresStore(db)
	registry := screening.NewRegistry(screening.Deps{
		Transcribers: transcription.NewDeepgramFactory(transcription.DeepgramConfig{
			APIKey: cfg.STT.DeepgramAPIKey,
			Model:  cfg.STT.DeepgramModel,
		}, log),
		Generator: responder.NewService(completer, responder.NewVoiceFormatter(cfg.Voice.MaxWords)),
		Synthesizer: synthesis.NewGuarded(synthesis.NewElevenLabs(synthesis.ElevenLabsConfig{
			APIKey:  cfg.TTS.ElevenLabsAPIKey,
			VoiceID: cfg.TTS.VoiceID,
			Model:   cfg.TTS.Model,
		}, nil), cfg.Voice.MaxTTSChars),
		Store:    store,
		Notifier: notify.NewRedisDispatcher(rdb, notify.DefaultChannel),
		Guard:    guard,
		Metrics:  screening.NewMetrics(reg),
		Logger:   log,
	}, screening.Options{
		StaticGreeting: cfg.Screening.StaticGreeting,
		Format: transcription.Format{
			Encoding:     cfg.Voice.AudioEncoding,
			SampleRate:   cfg.Voice.SampleRate,
			LanguageCode: cfg.STT.Language,
		},
		PersistMaxRetries: cfg.Resilience.PersistMaxRetries,
	})

	slots, err := utils.NewCallSlots(rdb, "screening:slots:", cfg.Screening.OwnerMaxConcurrentCalls, callSlotPendingTTL, callSlotHeldTTL)
	if err != nil {
		return err
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:      cfg,
		log:      log,
		auth:     authManager,
		store:    store,
		registry: registry,
		guard:    guard,
		slots:    slots,
		db:       db,
		gatherer: reg,
	})

	// Media stream connections are hijacked; StreamConn manages their deadlines per frame.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "responder", cfg.Responder.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated", "live_sessions", registry.Len())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		// Stop taking calls first, then let live sessions persist their records.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		if err := registry.Shutdown(shutdownCtx); err != nil {
			log.Error("sessions did not finish before shutdown deadline", "err", err, "live_sessions", registry.Len())
		}
		return nil
	})
	return g.Wait()
}

func resilienceConfig(c config.ResilienceConfig) resilience.Config {
	return resilience.Config{
		Retry: resilience.RetryConfig{
			MaxRetries:     c.MaxRetries,
			BaseDelay:      c.BaseDelay,
			MaxDelay:       c.MaxDelay,
			RateLimitFloor: c.RateLimitMinDelay,
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: c.FailureThreshold,
			Cooldown:         c.Cooldown,
		},
		Timeouts: map[string]time.Duration{
			resilience.DepAI:    c.TimeoutAI,
			resilience.DepTTS:   c.TimeoutTTS,
			resilience.DepSTT:   c.TimeoutSTT,
			resilience.DepStore: c.TimeoutStore,
		},
	}
}

func newCompleter(ctx context.Context, c config.ResponderConfig) (responder.Completer, error) {
	switch c.Provider {
	case "gemini":
		return responder.NewGeminiBackend(ctx, responder.GeminiConfig{APIKey: c.GeminiAPIKey, Model: c.GeminiModel})
	default:
		return responder.NewOpenAIBackend(responder.OpenAIConfig{
			APIKey:  c.OpenAIAPIKey,
			Model:   c.OpenAIModel,
			BaseURL: c.OpenAIBaseURL,
		}), nil
	}
}
