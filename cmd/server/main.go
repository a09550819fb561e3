package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq"

	"voice-consult/internal/archive"
	"voice-consult/internal/config"
	"voice-consult/internal/core"
	"voice-consult/internal/db"
	"voice-consult/internal/events"
	httpserver "voice-consult/internal/http"
	"voice-consult/internal/llm"
	"voice-consult/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var awsCfg *aws.Config
	loadAWS := func() aws.Config {
		if awsCfg == nil {
			c, err := loadAWSConfig(ctx, cfg)
			if err != nil {
				log.Fatalf("failed to load AWS config: %v", err)
			}
			awsCfg = &c
		}
		return *awsCfg
	}

	var (
		store    core.SessionStore
		notifier httpserver.ReportNotifier
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		dbConn, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer dbConn.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := dbConn.PingContext(pingCtx); err != nil {
			log.Fatalf("failed to ping database: %v", err)
		}
		if err := db.Migrate(ctx, dbConn); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		store = db.NewRepository(dbConn)
		notifier = db.NewNotifier(dbConn, cfg.DatabaseURL, cfg.NotifyChannel)
	case config.BackendDynamo:
		client := dynamodb.NewFromConfig(loadAWS(), func(o *dynamodb.Options) {
			if cfg.DynamoEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
			}
		})
		dynamo := db.NewDynamoStore(client, cfg.DynamoTable)
		if err := dynamo.EnsureTable(ctx); err != nil {
			log.Fatalf("failed to ensure table %s: %v", cfg.DynamoTable, err)
		}
		store = dynamo
	}

	llmClient := llm.NewOpenAIClient(cfg.OpenAIKey, cfg.ChatModel, cfg.ReportModel)
	settings := voice.Settings{
		Name:                "AI Medical Doctor Voice Agent",
		FirstMessage:        cfg.VoiceFirstMessage,
		TranscriberProvider: cfg.TranscriberProvider,
		TranscriberLanguage: cfg.TranscriberLanguage,
		VoiceProvider:       cfg.VoiceProvider,
		ModelProvider:       cfg.VoiceModelProvider,
		Model:               cfg.VoiceModel,
	}
	hub := core.NewHub()
	srv := httpserver.NewServer(store, core.NewMatcher(llmClient), core.NewReporter(llmClient), hub, settings, httpserver.Options{
		FakeSubscription: cfg.FakeSubscription,
		SessionListLimit: cfg.SessionListLimit,
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		Transport:        cfg.VoiceTransport,
		VoiceAPIURL:      cfg.VoiceAPIURL,
		VoiceAPIKey:      cfg.VoiceAPIKey,
		WebhookSecret:    cfg.VoiceWebhookSecret,
	})
	if notifier != nil {
		srv.Notifier = notifier
	}

	var publishers events.Fanout
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publishers = append(publishers, kp)
	}
	if cfg.SQSQueueName != "" {
		sp, err := events.NewSQSPublisher(ctx, sqs.NewFromConfig(loadAWS()), cfg.SQSQueueName)
		if err != nil {
			log.Fatalf("failed to set up SQS publisher: %v", err)
		}
		publishers = append(publishers, sp)
	}
	if len(publishers) > 0 {
		srv.Publisher = publishers
	}
	if cfg.ArchiveBucket != "" {
		srv.Archiver = archive.NewS3Archiver(s3.NewFromConfig(loadAWS()), cfg.ArchiveBucket)
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Listening on %s (store=%s, transport=%s)", httpSrv.Addr, cfg.StoreBackend, cfg.VoiceTransport)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Println("failed to shut down cleanly:", err)
	}
	hub.CloseAll()
}

// loadAWSConfig uses static credentials when a local endpoint is configured.
func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.DynamoEndpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}
