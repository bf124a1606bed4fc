// Command server starts the StoryVoice HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/storyvoice/internal/adapter/events/redpanda"
	httpserver "github.com/fairyhunter13/storyvoice/internal/adapter/httpserver"
	"github.com/fairyhunter13/storyvoice/internal/adapter/kv/redisq"
	"github.com/fairyhunter13/storyvoice/internal/adapter/observability"
	"github.com/fairyhunter13/storyvoice/internal/adapter/provider"
	"github.com/fairyhunter13/storyvoice/internal/adapter/provider/cartesia"
	"github.com/fairyhunter13/storyvoice/internal/adapter/provider/elevenlabs"
	"github.com/fairyhunter13/storyvoice/internal/adapter/provider/mock"
	asynqadp "github.com/fairyhunter13/storyvoice/internal/adapter/queue/asynq"
	"github.com/fairyhunter13/storyvoice/internal/adapter/repo/postgres"
	s3store "github.com/fairyhunter13/storyvoice/internal/adapter/storage/s3"
	"github.com/fairyhunter13/storyvoice/internal/app"
	"github.com/fairyhunter13/storyvoice/internal/config"
	"github.com/fairyhunter13/storyvoice/internal/domain"
	"github.com/fairyhunter13/storyvoice/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.Client.Ping(ctx) }

// buildProviders registers every upstream voice service that has credentials.
func buildProviders(cfg config.Config) (*provider.Registry, []string) {
	maxElapsed, initial, maxInterval, multiplier := cfg.ProviderBackoff()
	var ps []domain.VoiceServiceProvider
	if cfg.ElevenLabsAPIKey != "" {
		ps = append(ps, elevenlabs.New(cfg.ElevenLabsAPIKey, cfg.ElevenLabsBaseURL, maxElapsed, initial, maxInterval, multiplier))
	}
	if cfg.CartesiaAPIKey != "" {
		ps = append(ps, cartesia.New(cfg.CartesiaAPIKey, cfg.CartesiaBaseURL, cfg.CartesiaVersion, maxElapsed, initial, maxInterval, multiplier))
	}
	if len(ps) == 0 && !cfg.IsProd() {
		// No upstream credentials; local development runs against the mock.
		slog.Warn("no provider credentials configured, using mock provider")
		ps = append(ps, mock.New())
	}
	tags := make([]string, 0, len(ps))
	preferred := ""
	for _, p := range ps {
		tags = append(tags, p.Name())
		if p.Name() == cfg.PreferredVoiceService {
			preferred = p.Name()
		}
	}
	if preferred == "" && len(tags) > 0 {
		preferred = tags[0]
	}
	return provider.NewRegistry(preferred, ps...), tags
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpt)
	defer func() { _ = rdb.Close() }()

	// Repositories
	voiceRepo := postgres.NewVoiceRepo(pool)
	eventRepo := postgres.NewSlotEventRepo(pool)
	audioRepo := postgres.NewAudioRequestRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	storyRepo := postgres.NewStoryRepo(pool)
	ledgerRepo := postgres.NewLedgerRepo(pool)

	slotQueue := redisq.NewSlotQueue(rdb)
	locks := redisq.NewLock(rdb)

	tasks, err := asynqadp.New(cfg.RedisURL)
	if err != nil {
		slog.Error("task queue init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = tasks.Close() }()

	// Event sinks: Prometheus counters always, Kafka mirror when reachable.
	sinks := []domain.SlotEventSink{observability.SlotEventMetrics{}}
	if producer, perr := redpanda.NewProducer(cfg.KafkaBrokers); perr != nil {
		slog.Warn("event mirror disabled", slog.Any("error", perr))
	} else {
		defer producer.Close()
		sinks = append(sinks, producer)
	}
	recorder := usecase.NewEventRecorder(eventRepo, sinks...)

	registry, providerTags := buildProviders(cfg)
	store := s3store.New(cfg)

	slotCfg := usecase.SlotConfig{
		SlotLimit:         cfg.SlotLimit,
		WarmHold:          cfg.WarmHold,
		SlotLockTTL:       cfg.SlotLockTTL,
		QueuePollInterval: cfg.QueuePollInterval,
		MaxReclaim:        cfg.MaxReclaim,
		DrainBatch:        cfg.DrainBatch,
		AllocMaxRetries:   cfg.AllocMaxRetries,
	}
	slotSvc := usecase.NewSlotService(slotCfg, voiceRepo, slotQueue, locks, tasks, recorder)
	synthSvc := usecase.NewSynthesisService(usecase.SynthesisConfig{
		UnitSize:          cfg.CreditsUnitSize,
		MaxAttempts:       cfg.SynthMaxAttempts,
		DedupTTL:          cfg.SynthDedupTTL,
		QueuePollInterval: cfg.QueuePollInterval,
		WarmHold:          cfg.WarmHold,
		PresignTTL:        cfg.PresignTTL,
		SourcePriority:    domain.ParseSourcePriority(cfg.CreditSourcePriority),
	}, voiceRepo, storyRepo, audioRepo, ledgerRepo, locks, tasks, registry, store, slotSvc, recorder)
	voiceSvc := usecase.NewVoiceService(voiceRepo, eventRepo, slotQueue, registry, store, recorder, registry.Preferred())
	creditSvc := usecase.NewCreditService(usecase.CreditConfig{
		InitialCredits: cfg.InitialCredits,
		MonthlyCredits: cfg.MonthlyCredits,
		HistoryLimit:   cfg.CreditHistoryPageSize,
		UnitSize:       cfg.CreditsUnitSize,
		UnitLabel:      cfg.CreditsUnitLabel,
	}, ledgerRepo, userRepo)
	adminSvc := usecase.NewAdminService(cfg.SlotLimit, providerTags, voiceRepo, slotQueue, eventRepo)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisAdapter{rdb})

	srv := httpserver.NewServer(cfg, synthSvc, voiceSvc, slotSvc, creditSvc, adminSvc, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
