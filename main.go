package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"wuzapi-relay/config"
	"wuzapi-relay/internal/db"
	"wuzapi-relay/internal/delivery"
	"wuzapi-relay/internal/ingest"
	"wuzapi-relay/internal/media"
	"wuzapi-relay/internal/metrics"
	"wuzapi-relay/internal/outbound"
	"wuzapi-relay/internal/provider"
	"wuzapi-relay/internal/realtime"
	"wuzapi-relay/internal/resolver"
	"wuzapi-relay/internal/store"
	"wuzapi-relay/pkg/logger"
)

type server struct {
	cfg         *config.Config
	router      *mux.Router
	store       *store.Store
	directory   *store.Directory
	hub         *realtime.Hub
	publisher   realtime.Publisher
	ingestor    *ingest.Ingestor
	coordinator *outbound.Coordinator
	delivery    *delivery.Manager
	metrics     *metrics.Metrics
}

// components are the handles main builds and the server routes to.
type components struct {
	store     *store.Store
	directory *store.Directory
	hub       *realtime.Hub
	delivery  *delivery.Manager
	sender    provider.Sender
	media     outbound.MediaStore
	metrics   *metrics.Metrics
}

func newServer(cfg *config.Config, c components) *server {
	dir := c.directory
	pub := realtime.Publishers{c.hub, c.delivery}

	s := &server{
		cfg:       cfg,
		router:    mux.NewRouter(),
		store:     c.store,
		directory: dir,
		hub:       c.hub,
		publisher: pub,
		ingestor:  ingest.NewIngestor(c.store, dir, resolver.NewResolver(c.store), pub, c.metrics),
		coordinator: outbound.NewCoordinator(c.store, dir, c.sender, pub, c.metrics, outbound.Options{
			ProviderTimeout: cfg.ProviderTimeout,
			RatePerSec:      cfg.SendRatePerSec,
			Burst:           cfg.SendBurst,
			Media:           c.media,
		}),
		delivery: c.delivery,
		metrics:  c.metrics,
	}
	s.routes()
	return s
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)

	conn, err := db.Open(cfg.DBDriver, cfg.DBURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	met := metrics.New()
	st := store.New(conn, store.Options{EchoWindow: cfg.EchoWindow})
	dir := store.NewDirectory(st, store.DirectoryTTL)

	var broker delivery.Broker
	if cfg.RabbitURL != "" {
		for _, ev := range cfg.RabbitSpecificEvents {
			if !isValidEventType(ev) {
				log.Warn().Str("eventType", ev).Strs("supported", supportedEventTypes).Msg("Unknown event type in AMQP_SPECIFIC_EVENTS")
			}
		}
		rabbit, err := delivery.DialRabbit(cfg.RabbitURL, cfg.RabbitQueue, cfg.RabbitQueuePrefix, cfg.RabbitSpecificEvents)
		if err != nil {
			log.Error().Err(err).Msg("RabbitMQ unavailable, events will not be published to a queue")
		} else {
			broker = rabbit
			defer rabbit.Close()
		}
	}

	hub := realtime.NewHub(realtime.DefaultBuffer)
	dm := delivery.NewManager(delivery.Options{
		GlobalWebhook: cfg.GlobalWebhook,
		Webhooks:      dir,
		Broker:        broker,
		MaxRetries:    cfg.DeliveryMaxRetries,
		RetryBackoff:  cfg.DeliveryRetryDelay,
		Timeout:       cfg.DeliveryTimeout,
		Metrics:       met,
	})

	sender, err := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize provider client")
	}

	var mediaStore outbound.MediaStore
	if cfg.S3Enabled() {
		storage, err := media.NewStorage(media.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			log.Error().Err(err).Msg("S3 storage disabled")
		} else {
			mediaStore = storage
		}
	}

	s := newServer(cfg, components{
		store:     st,
		directory: dir,
		hub:       hub,
		delivery:  dm,
		sender:    sender,
		media:     mediaStore,
		metrics:   met,
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	deliveryDone := make(chan struct{})
	go func() {
		defer close(deliveryDone)
		dm.Run(runCtx)
	}()
	go runJanitor(runCtx, st, cfg.DedupWindow, janitorInterval, met)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Address, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		log.Info().Str("address", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	cancelRun()
	select {
	case <-deliveryDone:
	case <-shutdownCtx.Done():
		log.Warn().Int("pending", dm.PendingCount()).Msg("Gave up waiting for in-flight deliveries")
	}
	log.Info().Msg("Server stopped")
}
