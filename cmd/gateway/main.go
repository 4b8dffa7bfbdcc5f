package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/domain/rag"
	"github.com/Neal-yes/AI-Support-System/internal/domain/transfer"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/auth"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/config"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/jobstore"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/logger"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/monitoring"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/ollama"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/postgres"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/qdrant"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/tool"
	httpapi "github.com/Neal-yes/AI-Support-System/internal/interfaces/http"
)

const (
	appName    = "ai-support-gateway"
	appVersion = "0.3.0"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "多租户检索增强问答网关",
		Long:  "AI Support Gateway — 面向多租户的检索增强问答服务, 统一封装生成引擎、嵌入引擎与向量索引",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径 (缺省走环境变量)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "启动网关服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	log.Info("Starting gateway",
		zap.String("name", appName),
		zap.String("version", appVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitoring.New()

	ollamaClient := ollama.NewClient(ollama.Config{
		BaseURL:         cfg.Ollama.BaseURL(),
		Model:           cfg.Ollama.Model,
		EmbedModel:      cfg.Ollama.EmbedModel,
		KeepAlive:       cfg.Ollama.KeepAlive,
		GenerateTimeout: time.Duration(cfg.Ollama.GenerateTimeout) * time.Second,
		EmbedTimeout:    time.Duration(cfg.Ollama.EmbedTimeout) * time.Second,
	}, log)
	qdrantClient := qdrant.NewClient(cfg.Qdrant.BaseURL(), log)

	// 任务存储：单实例用内存，多副本共享用 Redis
	var jobs jobstore.Store = jobstore.NewMemoryStore()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
		defer rdb.Close()
		jobs = jobstore.NewRedisStore(rdb, cfg.Transfer.ExportTTL())
		log.Info("Using redis job store", zap.String("addr", cfg.Redis.Addr()))
	}

	var db *postgres.Service
	if cfg.Postgres.Enabled {
		pgPool, err := postgres.Connect(ctx, cfg.Postgres.DSN())
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		defer pgPool.Close()
		db = postgres.NewService(pgPool, metrics, log)
		log.Info("Postgres template queries enabled")
	} else {
		db = postgres.NewService(nil, metrics, log)
	}

	executor := tool.NewExecutor(metrics, log)
	policies := tool.NewPolicyStore(cfg.Tools.PolicyFile,
		time.Duration(cfg.Tools.PolicyTTLSeconds)*time.Second, log)
	if err := policies.Watch(); err != nil {
		log.Warn("tool policy watch disabled, falling back to TTL reload", zap.Error(err))
	}
	defer policies.Close()
	toolGateway := tool.NewGateway(executor, policies, log)

	ragSvc := rag.NewService(ollamaClient, qdrantClient, rag.Config{
		DefaultCollection: cfg.Qdrant.Collection,
		DefaultTopK:       cfg.Ask.DefaultTopK,
		DefaultNumPredict: cfg.Ask.DefaultNumPredict,
	}, metrics, log)

	importer := transfer.NewImporter(qdrantClient, metrics, log)
	manager := transfer.NewManager(qdrantClient, jobs, transfer.Config{
		ExportMaxConcurrency:   cfg.Transfer.ExportMaxConcurrency,
		DownloadMaxConcurrency: cfg.Transfer.DownloadMaxConcurrency,
		TTL:                    cfg.Transfer.ExportTTL(),
	}, metrics, log)

	authCfg := httpapi.AuthConfig{
		HeaderTenantKey:  cfg.Auth.HeaderTenantKey,
		RequireTenant:    cfg.Auth.RequireTenant,
		EnforceJWTTenant: cfg.Auth.EnforceJWTTenant,
	}
	if cfg.Auth.JWTSecret != "" {
		authCfg.Claims = auth.NewClaimsVerifier(cfg.Auth.JWTSecret, cfg.Auth.TenantClaim)
	}

	server := httpapi.NewServer(httpapi.Config{
		Host:                cfg.Server.Host,
		Port:                cfg.Server.Port,
		Mode:                cfg.Server.Mode,
		BodyPreviewSampling: cfg.Log.BodyPreviewSampling,
	}, authCfg, httpapi.Deps{
		Rag:               ragSvc,
		Gen:               rag.AsGenerator(ollamaClient),
		Index:             qdrantClient,
		Embed:             ollamaClient,
		Importer:          importer,
		Transfer:          manager,
		Tools:             toolGateway,
		DB:                db,
		DefaultNumPredict: cfg.Ask.DefaultNumPredict,
	}, metrics, log)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}

	log.Info("Gateway stopped")
	return nil
}
