package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/livedesk/backend/internal/auth"
	"github.com/zhouzirui/livedesk/backend/internal/config"
	"github.com/zhouzirui/livedesk/backend/internal/handler"
	"github.com/zhouzirui/livedesk/backend/internal/integrations/paramstore"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	"github.com/zhouzirui/livedesk/backend/internal/notify"
	"github.com/zhouzirui/livedesk/backend/internal/service/ai"
	chatService "github.com/zhouzirui/livedesk/backend/internal/service/chat"
	"github.com/zhouzirui/livedesk/backend/internal/service/delivery"
	sessionService "github.com/zhouzirui/livedesk/backend/internal/service/session"
	"github.com/zhouzirui/livedesk/backend/internal/store"
	"github.com/zhouzirui/livedesk/backend/internal/store/dynamo"
	"github.com/zhouzirui/livedesk/backend/internal/store/memory"
	"github.com/zhouzirui/livedesk/backend/internal/store/postgres"
	"github.com/zhouzirui/livedesk/backend/internal/store/postgres/migrate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	authenticator, err := newAuthenticator(ctx, cfg.Auth)
	if err != nil {
		log.Fatalf("failed to initialize authenticator: %v", err)
	}

	transcripts, closer, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Store.Backend, err)
	}
	defer closer.Close()
	log.Printf("transcript store backend: %s", cfg.Store.Backend)

	notifier, err := notify.Build(cfg.Notify.SlackWebhookURL, cfg.Notify.DiscordWebhookID, cfg.Notify.DiscordWebhookToken)
	if err != nil {
		log.Fatalf("failed to initialize operator notifier: %v", err)
	}

	hub := delivery.NewHub(cfg.Chat.SubscriberBuffer)
	sessions := sessionService.NewManager(transcripts, hub)
	router := chatService.NewRouter(transcripts, hub, notifier, chatService.Config{
		MaxTextLength:  cfg.Chat.MaxTextLength,
		PersistTimeout: cfg.Chat.PersistTimeout,
		NoAgentsNotice: cfg.Chat.NoAgentsNotice,
	})
	sessions.OnClose(func(s chat.Session) { router.Forget(s.ID) })

	deps := handler.Dependencies{
		Auth:     authenticator,
		Sessions: sessions,
		Chat:     router,
		Hub:      hub,
	}

	// Initialize AI service
	if cfg.AI.Enabled() {
		assistant, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI assistant - 请检查 Ark 模型相关环境变量")
		} else {
			deps.Assistant = assistant
			log.Println("AI assistant initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 助手初始化")
	}

	startServer(ctx, cfg.Server, handler.NewRouter(deps))

	hub.Shutdown()
	router.Wait()
	log.Println("LiveDesk backend stopped")
}

// newAuthenticator resolves the signing secret inline or from SSM.
func newAuthenticator(ctx context.Context, cfg config.AuthConfig) (*auth.JWTAuthenticator, error) {
	var secrets paramstore.SecretSource
	if cfg.JWTSecret == "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client, err := paramstore.New(ssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		secrets = client
	}

	secret, err := auth.ResolveSecret(ctx, cfg.JWTSecret, cfg.JWTSecretParam, secrets)
	if err != nil {
		return nil, err
	}
	return auth.NewJWTAuthenticator(auth.JWTConfig{
		Secret:       secret,
		Issuer:       cfg.Issuer,
		OperatorRole: cfg.OperatorRole,
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := migrate.Run(db); err != nil {
				_ = db.Close()
				return nil, nil, err
			}
		}
		return postgres.New(db), db, nil

	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		st, err := dynamo.New(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable)
		if err != nil {
			return nil, nil, err
		}
		return st, nopCloser{}, nil

	default:
		log.Println("warning: in-memory store loses transcripts on restart")
		return memory.New(), nopCloser{}, nil
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("LiveDesk backend listening on %s", addr)
	if err := runServer(ctx, srv, serverCfg.ShutdownTimeout); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
