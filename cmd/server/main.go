// Package main 是应用程序的入口点。
package main

import (
	"compliance-chat-go/internal/config"
	"compliance-chat-go/internal/handler"
	"compliance-chat-go/internal/middleware"
	"compliance-chat-go/internal/pipeline"
	"compliance-chat-go/internal/repository"
	"compliance-chat-go/internal/service"
	"compliance-chat-go/internal/session"
	"compliance-chat-go/pkg/database"
	"compliance-chat-go/pkg/kafka"
	"compliance-chat-go/pkg/llm"
	"compliance-chat-go/pkg/log"
	"compliance-chat-go/pkg/storage"
	"compliance-chat-go/pkg/token"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 和对象存储
	database.InitMySQL(cfg.Database.MySQL.DSN, cfg.Database.MySQL.AutoMigrate)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	// 4. 初始化 Repository 与可选的外部协作方
	conversationRepo := repository.NewConversationRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)
	auditRepo := repository.NewAuditRepository(database.DB)

	var historyCache repository.HistoryCache
	if database.RDB != nil {
		historyCache = repository.NewHistoryCache(database.RDB, cfg.Session.HistoryCacheTTL)
	}

	var publisher service.EventPublisher
	var kafkaPublisher *kafka.Publisher
	if len(cfg.Kafka.BrokerList()) > 0 {
		kafkaPublisher = kafka.NewPublisher(cfg.Kafka)
		publisher = kafkaPublisher
	} else {
		log.Info("Kafka 未配置，审计事件不会发布")
	}

	var archiver service.TranscriptArchiver
	var linker handler.TranscriptLinker
	if cfg.MinIO.Endpoint != "" {
		storage.InitMinIO(cfg.MinIO)
		archive := storage.NewTranscriptArchive(storage.MinioClient, cfg.MinIO.BucketName, cfg.MinIO.URLExpiry)
		archiver, linker = archive, archive
	} else {
		log.Info("MinIO 未配置，批量保存不会归档会话记录")
	}

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	llmClient := llm.NewClient(cfg.LLM)
	gateway := service.NewPersistenceGateway(conversationRepo, messageRepo, historyCache, llmClient, publisher, archiver,
		service.GatewayOptions{PlaceholderTitle: cfg.Session.PlaceholderTitle, TitleMaxRunes: cfg.Session.TitleMaxRunes})
	adminService := service.NewAdminService(auditRepo)

	// 6. 启动后台 Kafka 审计消费者
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	var consumerWG sync.WaitGroup
	if kafkaPublisher != nil {
		var attempts kafka.AttemptCounter
		if database.RDB != nil {
			attempts = kafka.NewRedisAttemptCounter(database.RDB)
		}
		processor := pipeline.NewAuditProcessor(auditRepo)
		consumerWG.Add(1)
		go func() {
			defer consumerWG.Done()
			kafka.StartConsumer(consumerCtx, cfg.Kafka, processor, attempts)
		}()
	}

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		conversations := apiV1.Group("/conversations")
		conversations.Use(middleware.AuthMiddleware(jwtManager))
		{
			conversations.GET("", handler.NewConversationHandler(gateway).GetConversations)
			conversations.GET("/:id/messages", handler.NewConversationHandler(gateway).GetMessages)
		}

		admin := apiV1.Group("/admin")
		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin.Use(middleware.AuthMiddleware(jwtManager), middleware.AdminAuthMiddleware())
		{
			admin.GET("/audit", handler.NewAdminHandler(adminService).ListAuditRecords)
		}
	}
	// Chat 路由 (WebSocket)，每个连接一个会话
	r.GET("/chat/:token", handler.NewChatHandler(gateway, llmClient, jwtManager, linker, session.WithConfig(cfg.Session)).Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止消费者并刷新生产者
	stopConsumer()
	consumerWG.Wait()
	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
}
