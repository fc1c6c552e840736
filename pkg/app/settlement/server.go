// Package settlement implements app.Runner for the settlement process: the batch processor,
// the intake API and the operational endpoints.
package settlement

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/offramp-middleware/pkg/app/httpserver"
	"github.com/chainsafe/offramp-middleware/pkg/auth"
	"github.com/chainsafe/offramp-middleware/pkg/config"
	"github.com/chainsafe/offramp-middleware/pkg/custody"
	"github.com/chainsafe/offramp-middleware/pkg/ethereum"
	"github.com/chainsafe/offramp-middleware/pkg/events"
	"github.com/chainsafe/offramp-middleware/pkg/intake"
	"github.com/chainsafe/offramp-middleware/pkg/payout"
	"github.com/chainsafe/offramp-middleware/pkg/pgutil"
	"github.com/chainsafe/offramp-middleware/pkg/processor"
	"github.com/chainsafe/offramp-middleware/pkg/rates"
	"github.com/chainsafe/offramp-middleware/pkg/requeststore"
	engine "github.com/chainsafe/offramp-middleware/pkg/settlement"
	"github.com/chainsafe/offramp-middleware/pkg/swap"
)

// Server holds configuration for the settlement process.
type Server struct {
	cfg *config.Config
}

// NewServer initializes a new settlement Server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run starts the processor and the HTTP server. It blocks until an OS shutdown signal is
// received or a fatal server error occurs.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting off-ramp settlement service", zap.Int64("chain_id", cfg.Chain.ChainID))

	// The secret is parsed once and only the deriver keeps it.
	secret, err := custody.ParseMasterSecret(cfg.Custody.MasterSecret)
	if err != nil {
		return fmt.Errorf("load master secret: %w", err)
	}
	cfg.Custody.MasterSecret = ""
	deriver, err := custody.NewDeriver(secret)
	if err != nil {
		return fmt.Errorf("create deriver: %w", err)
	}

	db, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect settlement db: %w", err)
	}
	defer func() { _ = db.Close() }()
	logger.Info("Database connection established")
	store := requeststore.NewStore(db)

	chain, err := ethereum.NewClient(ctx, &cfg.Chain, logger)
	if err != nil {
		return fmt.Errorf("initialize chain client: %w", err)
	}
	defer chain.Close()

	funder, err := newFunder(cfg.Chain.FunderPrivateKey, chain)
	if err != nil {
		return err
	}
	cfg.Chain.FunderPrivateKey = ""
	logger.Info("Gas funder configured", zap.String("address", funder.Address().Hex()))

	router, err := swap.NewRouter(chain, &cfg.Swap)
	if err != nil {
		return fmt.Errorf("initialize swap router: %w", err)
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup, continuing", zap.Error(err))
		}
		rdb = client
	}

	rateProvider, err := rates.New(&cfg.Rates, rdb, logger)
	if err != nil {
		return fmt.Errorf("initialize rate provider: %w", err)
	}

	publisher, err := newPublisher(&cfg.Kafka, logger)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	engineCfg, err := engine.NewConfig(cfg)
	if err != nil {
		return fmt.Errorf("settlement config: %w", err)
	}
	eng := engine.NewEngine(engineCfg, engine.Deps{
		Store:     store,
		Chain:     chain,
		Router:    router,
		Deriver:   deriver,
		Gateway:   payout.NewClient(&cfg.Payout, logger),
		Rates:     rateProvider,
		Publisher: publisher,
		Funder:    funder,
	}, logger)

	proc := processor.New(&cfg.Processor, store, eng, logger)
	if cfg.Processor.Enabled {
		if err := proc.Start(ctx); err != nil {
			return fmt.Errorf("start processor: %w", err)
		}
		defer proc.Stop()
	}

	intakeCfg := intake.Config{DefaultCurrency: engineCfg.FiatCurrency}
	if cfg.Settlement.MaxFiatAmount != "" {
		intakeCfg.MaxFiatAmount, err = decimal.NewFromString(cfg.Settlement.MaxFiatAmount)
		if err != nil {
			return fmt.Errorf("invalid settlement.max_fiat_amount: %w", err)
		}
	}
	svc := intake.NewLog(intake.NewService(intakeCfg, store, deriver, chain, logger), logger)

	handler := s.newRouter(svc, proc, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return httpserver.ServeAndWait(ctx, logger, httpServer, cfg.Shutdown.Timeout)
}

func newFunder(hexKey string, chain *ethereum.Client) (*ethereum.TxSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid chain.funder_private_key")
	}
	signer, err := ethereum.NewTxSigner(key, chain.ChainID())
	if err != nil {
		return nil, fmt.Errorf("create funder signer: %w", err)
	}
	return signer, nil
}

func newPublisher(cfg *config.KafkaConfig, logger *zap.Logger) (events.Publisher, error) {
	if !cfg.Enabled {
		return events.NopPublisher{}, nil
	}
	p, err := events.NewKafkaPublisher(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize kafka publisher: %w", err)
	}
	logger.Info("Status events enabled", zap.String("topic", cfg.Topic), zap.Strings("brokers", cfg.Brokers))
	return p, nil
}

func (s *Server) newRouter(svc intake.Service, proc *processor.Processor, logger *zap.Logger) http.Handler {
	cfg := s.cfg

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpserver.AccessLog(logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if cfg.Processor.Enabled && !proc.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	if cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled", zap.String("path", "/metrics"))
	}

	// Passes can outlast the request timeout, so the trigger routes sit outside it.
	r.Route("/internal", func(r chi.Router) {
		r.Use(auth.RequireTriggerSecret(cfg.Processor.TriggerSecret))
		processor.RegisterRoutes(r, proc, processor.TriggerExternal, logger)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.MiddlewareTimeout))
		r.Route("/api/v1", func(r chi.Router) {
			intake.RegisterRoutes(r, svc, logger)
		})
	})

	validator := auth.NewJWTValidator(cfg.Admin.JWTSecret, cfg.Admin.Issuer)
	if validator.IsConfigured() {
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin(validator, logger))
			processor.RegisterRoutes(r, proc, processor.TriggerManual, logger)
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(cfg.Server.MiddlewareTimeout))
				intake.RegisterAdminRoutes(r, svc, logger)
			})
		})
	} else {
		logger.Warn("Admin API disabled: admin.jwt_secret is not set")
	}

	return r
}
