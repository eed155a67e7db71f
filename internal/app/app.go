// Package app wires configuration into the storage, upstream and use case
// layers. Both entrypoints build through here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"support-assistant/handler"
	"support-assistant/internal/auth"
	"support-assistant/internal/config"
	"support-assistant/internal/integrations/dashscope"
	"support-assistant/internal/integrations/paramstore"
	"support-assistant/internal/observability"
	"support-assistant/internal/repository"
	"support-assistant/internal/usecase"
)

const jwtSecretParam = "jwt_secret"

// Store is everything the use cases persist through.
type Store interface {
	usecase.ConversationStore
	usecase.CallerStore
	usecase.FeedbackStore
}

type App struct {
	Handler *handler.Handler
	Metrics *observability.Metrics
	Store   Store

	closers []func() error
}

// Close releases the store connection, if any.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Dependencies lets tests replace the AWS-backed pieces.
type Dependencies struct {
	Store  Store
	Params paramstore.Getter
}

// Build constructs the application from cfg. Zero-valued Dependencies are
// created from cfg; AWS configuration is only loaded when something needs it.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Dependencies) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	params := deps.Params
	if params == nil && cfg.ParamPrefix != "" {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		p, err := paramstore.New(awsssm.NewFromConfig(c))
		if err != nil {
			return nil, fmt.Errorf("app: parameter store: %w", err)
		}
		params = p
	}

	store := deps.Store
	if store == nil {
		switch cfg.StoreDriver {
		case config.StoreDynamoDB:
			c, err := loadAWS()
			if err != nil {
				return nil, err
			}
			ds, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(c), cfg.StateTable)
			if err != nil {
				return nil, fmt.Errorf("app: dynamodb store: %w", err)
			}
			store = ds
		case config.StoreSQLite, config.StoreMySQL:
			ss, err := repository.OpenSQL(cfg.StoreDriver, cfg.DatabaseDSN)
			if err != nil {
				return nil, fmt.Errorf("app: sql store: %w", err)
			}
			a.closers = append(a.closers, ss.Close)
			store = ss
		default:
			return nil, fmt.Errorf("app: unsupported store driver %q", cfg.StoreDriver)
		}
	}
	a.Store = store

	secret, err := jwtSecret(ctx, cfg, params)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	signer, err := auth.NewSigner(secret, cfg.Policy.TokenTTL)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("app: token signer: %w", err)
	}

	dsOpts := []dashscope.Option{
		dashscope.WithCredentials(cfg.DashScopeAPIKey, cfg.DashScopeAppID),
		dashscope.WithIdleTimeout(cfg.Policy.UpstreamIdleTimeout),
	}
	if cfg.DashScopeBaseURL != "" {
		dsOpts = append(dsOpts, dashscope.WithBaseURL(cfg.DashScopeBaseURL))
	}
	if params != nil && cfg.ParamPrefix != "" {
		dsOpts = append(dsOpts, dashscope.WithParamStore(params, cfg.ParamPrefix))
	}
	upstream, err := dashscope.NewClient(dsOpts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("app: dashscope client: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(reg)

	common := []usecase.Option{usecase.WithLogger(logger), usecase.WithObserver(a.Metrics)}
	gate, err := usecase.NewQuotaGate(store, usecase.QuotaPolicy{
		GuestDailyLimit:      cfg.Policy.GuestDailyLimit,
		RegisteredDailyLimit: cfg.Policy.RegisteredDailyLimit,
	}, common...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	convs, err := usecase.NewConversationService(store, cfg.Policy.TitleMaxLength, common...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	chat, err := usecase.NewChatService(upstream, gate, convs, usecase.ChatConfig{
		MaxMessageLength: cfg.Policy.MaxMessageLength,
		PersistTimeout:   cfg.Policy.PersistTimeout,
	}, common...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	feedback, err := usecase.NewFeedbackService(store)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	h, err := handler.NewHandler(handler.Services{
		Chat:     chat,
		Feedback: feedback,
		History:  convs,
		Callers:  gate,
		Tokens:   signer,
	}, handler.WithLogger(logger), handler.WithMetrics(a.Metrics))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Handler = h

	if err := upstream.CheckCredentials(ctx); err != nil {
		// Not fatal: chat requests answer CONFIGURATION_ERROR until fixed.
		logger.Warn("upstream credentials unavailable", "err", err)
	}
	return a, nil
}

func jwtSecret(ctx context.Context, cfg config.Config, params paramstore.Getter) (string, error) {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret, nil
	}
	if params == nil || cfg.ParamPrefix == "" {
		return "", errors.New("app: JWT_SECRET is not set and no PARAM_PREFIX to load it from")
	}
	name := paramstore.Join(cfg.ParamPrefix, jwtSecretParam)
	v, err := paramstore.GetOptional(ctx, params, name)
	if err != nil {
		return "", fmt.Errorf("app: load %s: %w", name, err)
	}
	if v == "" {
		return "", fmt.Errorf("app: parameter %s is missing", name)
	}
	return v, nil
}
