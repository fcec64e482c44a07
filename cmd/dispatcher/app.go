package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ewsdispatch/internal/attachment"
	"ewsdispatch/internal/blob"
	"ewsdispatch/internal/broker"
	"ewsdispatch/internal/config"
	"ewsdispatch/internal/constants"
	"ewsdispatch/internal/deduplication"
	"ewsdispatch/internal/dispatch"
	"ewsdispatch/internal/ews"
	"ewsdispatch/internal/identity"
	"ewsdispatch/internal/logger"
	"ewsdispatch/internal/pdf"
	"ewsdispatch/internal/reply"
	"ewsdispatch/internal/secrets"
	"ewsdispatch/pkg/bootstrap"
	"ewsdispatch/pkg/cel"
	"ewsdispatch/pkg/circuitbreaker"
	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/health"
	"ewsdispatch/pkg/logging"
	"ewsdispatch/pkg/metrics"
	"ewsdispatch/pkg/middleware"
	"ewsdispatch/pkg/ratelimit"
	"ewsdispatch/pkg/retry"
	"ewsdispatch/pkg/tracing"
)

const serviceName = "ews-dispatcher"

type App struct {
	*bootstrap.Base
	redisConnector *bootstrap.RedisConnector
	redis          *redis.Client
	sentLog        *deduplication.SentLog
	limiter        *ratelimit.KeyedLimiter
	dispatcher     *dispatch.Dispatcher
	tracerProvider *tracing.TracerProvider
	health         *health.CheckerRegistry
	consumerHealth *health.ConsumerChecker
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(serviceName)
	}
	return &App{
		Base:           bootstrap.NewBase(cfg, log),
		redisConnector: bootstrap.NewRedisConnector(cfg.Redis, log),
		health:         health.NewCheckerRegistry(),
	}
}

// Initialize builds everything serve needs: the dispatcher, the broker
// consumer and the HTTP server.
func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.Register()

	if err := a.InitDispatcher(ctx); err != nil {
		return err
	}

	if err := a.InitBroker(serviceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	a.consumerHealth = health.NewConsumerChecker(a.Config.Broker.Type)
	a.health.Register(a.consumerHealth)

	a.initHTTPServer()
	return nil
}

// InitDispatcher loads the startup configuration objects and connects the
// collaborators. Any ConfigurationError here stops the process.
func (a *App) InitDispatcher(ctx context.Context) error {
	initCtx := logging.WithServiceName(ctx, serviceName)

	resolverPolicy, replies, version, err := a.staticConfig()
	if err != nil {
		return err
	}

	store, err := secrets.New(ctx, a.Config, a.Logger)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrConfiguration.WithMessage("failed to initialize secret store"))
	}

	fetcher, err := blob.New(ctx, a.Config.Blob, a.Config.CircuitBreaker)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrConfiguration.WithMessage("failed to initialize blob store"))
	}
	if cbStore, ok := fetcher.(*blob.CircuitBreakerStore); ok && a.Config.CircuitBreaker.Enabled {
		a.health.RegisterOptional(health.NewBreakerChecker("blob", cbStore.State))
	}

	mail := a.Config.Mail
	materializer := attachment.NewMaterializer(fetcher, pdf.NewMerger(), attachment.Options{
		NeedsPDFs: mail.NeedsPDFs,
		PDFOnly:   mail.PDFOnly,
		MergePDF:  mail.MergePDF,
	}, a.Logger)

	var breaker *circuitbreaker.Wrapper
	if a.Config.CircuitBreaker.Enabled {
		breaker = circuitbreaker.NewWrapper(breakerConfig("ews", a.Config.CircuitBreaker))
		a.health.RegisterOptional(health.NewBreakerChecker("ews", func() string { return breaker.State().String() }))
	}
	client := ews.NewClient(ews.Options{
		Auth:     a.Config.Exchange.Auth,
		TenantID: a.Config.Exchange.TenantID,
		ClientID: a.Config.Exchange.ClientID,
		TokenURL: a.Config.Exchange.TokenURL,
		Scope:    a.Config.Exchange.Scope,
		Timeout:  a.Config.Exchange.Timeout,
		Breaker:  breaker,
	}, a.Logger)

	if a.Config.RateLimit.Enabled {
		a.limiter = ratelimit.NewKeyedLimiter(ratelimit.RateLimitConfig{
			RPS:             a.Config.RateLimit.RPS,
			Burst:           a.Config.RateLimit.Burst,
			CleanupInterval: a.Config.RateLimit.CleanupInterval,
			MaxAge:          a.Config.RateLimit.MaxAge,
		})
	}

	deps := dispatch.Dependencies{
		Resolver:     identity.NewResolver(resolverPolicy, store),
		Secrets:      store,
		Materializer: materializer,
		Replies:      replies,
		Mail:         dispatch.NewEWSMailClient(client),
		Limiter:      a.limiter,
		Logger:       a.Logger,
	}

	if a.Config.Deduplication.Enabled {
		rdb, err := a.redisConnector.Connect(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize sent-log: %w", err)
		}
		a.redis = rdb
		a.health.Register(health.NewRedisChecker(rdb))

		repo := deduplication.NewCircuitBreakerRepository(deduplication.NewRepository(rdb), a.Config.CircuitBreaker)
		if a.Config.CircuitBreaker.Enabled {
			a.health.RegisterOptional(health.NewBreakerChecker("redis", repo.State))
		}
		a.sentLog = deduplication.NewSentLog(repo, a.Config.Deduplication, a.Logger)
		deps.SentLog = a.sentLog
	}

	a.dispatcher = dispatch.New(deps, dispatch.Options{
		ExchangeURL:         a.Config.Exchange.URL,
		Version:             version,
		Timeout:             a.Config.Dispatch.Timeout,
		Retry:               retryPolicy(a.Config.Dispatch.Retry),
		ReplyRetry:          retryPolicy(mail.Reply.Retry),
		NeedsPDFs:           mail.NeedsPDFs,
		SkipSendWithoutPDFs: mail.SkipSendWithoutPDFs,
		ReplyAccount:        mail.Reply.ReplyTo,
		ReplyUsername:       mail.Reply.ServiceAccount,
		ReplySecretID:       mail.Reply.ServiceSecret,
	})

	a.Logger.InfowCtx(initCtx, "Dispatcher ready",
		"mode", resolverPolicy.Mode().String(),
		"sender_accounts", resolverPolicy.Accounts(),
		"exchange_version", version.Name,
		"replies", mail.Reply.Enabled,
		"sent_log", a.sentLog != nil,
		"rate_limit", a.limiter != nil,
	)
	return nil
}

// staticConfig builds the read-only objects derived from configuration:
// the recipient policy, the reply decider and the EWS version. It performs
// no I/O beyond reading the template directory.
func (a *App) staticConfig() (*identity.Policy, *reply.Decider, ews.Version, error) {
	mail := a.Config.Mail

	resolverPolicy, err := identity.NewPolicy(mail.HardcodedRecipients, mail.SenderMapping)
	if err != nil {
		return nil, nil, ews.Version{}, apperrors.ErrConfiguration.WithDetail("message", err.Error())
	}

	version, err := ews.ParseVersion(a.Config.Exchange.Version)
	if err != nil {
		return nil, nil, ews.Version{}, apperrors.ErrConfiguration.WithDetail("message", err.Error())
	}

	replies := reply.Disabled()
	if mail.Reply.Enabled {
		templates, err := reply.LoadTemplates(mail.Reply.TemplateDir)
		if err != nil {
			return nil, nil, ews.Version{}, err
		}
		eval, err := cel.NewEvaluator()
		if err != nil {
			return nil, nil, ews.Version{}, apperrors.Wrap(err, apperrors.ErrConfiguration)
		}
		router, err := reply.NewRouter(eval, mail.Reply.Templates, templates)
		if err != nil {
			return nil, nil, ews.Version{}, err
		}
		replies = reply.NewDecider(reply.Options{
			Enabled:        true,
			ReplyTo:        mail.Reply.ReplyTo,
			IgnoreSubjects: mail.Reply.IgnoreSubjects,
			IgnoreSenders:  mail.Reply.IgnoreSenders,
		}, templates, router, a.Logger)
	}

	return resolverPolicy, replies, version, nil
}

func (a *App) initHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(a.Logger, "/health", "/metrics"))
	router.Use(tracing.GinMiddleware(serviceName))

	router.GET("/health", func(c *gin.Context) {
		h := a.health.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if push, ok := a.Consumer.(*broker.PushConsumer); ok {
		group := router.Group("")
		if cfg := a.Config.Broker.Push; cfg.RPS > 0 {
			limiterCfg := ratelimit.DefaultConfig()
			limiterCfg.RPS = cfg.RPS
			if cfg.Burst > 0 {
				limiterCfg.Burst = cfg.Burst
			}
			group.Use(ratelimit.Middleware(ratelimit.NewKeyedLimiter(limiterCfg)))
		}
		push.Register(group)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(gCtx)
			return nil
		})
	}
	if a.sentLog != nil {
		g.Go(func() error {
			a.sentLog.Run(gCtx)
			return nil
		})
	}

	g.Go(func() error {
		a.consumerHealth.SetRunning(true)
		defer a.consumerHealth.SetRunning(false)
		return a.Consumer.Consume(gCtx, a.handleMessage)
	})

	return g.Wait()
}

func (a *App) handleMessage(ctx context.Context, msg broker.Message) error {
	return a.dispatcher.Handle(ctx, msg.Body)
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, serviceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down dispatcher")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.redisConnector.Close(a.redis)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		MaxElapsedTime:  cfg.MaxElapsedTime,
	}
}

// breakerConfig builds the EWS breaker. Permanent EWS faults mean the
// server answered, so they do not count as failures.
func breakerConfig(name string, cfg config.CircuitBreakerConfig) circuitbreaker.Config {
	cbConfig := circuitbreaker.DefaultConfig(name)
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = circuitbreaker.RatioTrip(cfg.FailureRatio, cfg.MinRequests)
	}
	cbConfig.IsSuccessful = ews.Healthy
	return cbConfig
}
