package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"mindmapServer/backend/internal/cache"
	"mindmapServer/backend/internal/collab"
	"mindmapServer/backend/internal/httpapi/handlers"
	"mindmapServer/backend/internal/httpapi/middleware"
	"mindmapServer/backend/internal/store"
	"mindmapServer/backend/internal/ws"
)

type MindmapConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Auth"`
	Collab struct {
		ConflictWindowMs  int     `mapstructure:"conflictWindowMs"`
		CreationProximity float64 `mapstructure:"creationProximity"`
		SnapshotEvery     int     `mapstructure:"snapshotEvery"`
		IdleGraceSec      int     `mapstructure:"idleGraceSec"`
		LogCapacity       int     `mapstructure:"logCapacity"`
	} `mapstructure:"Collab"`
}

func initConfig() (*MindmapConfig, error) {
	cfg := &MindmapConfig{}
	v := viper.New()
	v.SetConfigName("mindmapConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	presenceCache := cache.NewRedisPresence(rdb)
	snapshotStore := store.NewSnapshotStore(db)
	documentStore := store.NewDocumentStore(db)

	kafkaSem := collab.NewSemaphoreControl(100)
	wsSem := collab.NewSemaphoreControl(100)

	events := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	bridge := collab.NewBridge(snapshotStore, collab.BridgeOptions{
		QueueSize:   1024,
		Workers:     2,
		MaxRetry:    5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	})

	registry := collab.NewRegistry(snapshotStore, bridge, events, collab.RoomOptions{
		ConflictWindow:    time.Duration(cfg.Collab.ConflictWindowMs) * time.Millisecond,
		CreationProximity: cfg.Collab.CreationProximity,
		SnapshotEvery:     cfg.Collab.SnapshotEvery,
		IdleGrace:         time.Duration(cfg.Collab.IdleGraceSec) * time.Second,
		LogCapacity:       cfg.Collab.LogCapacity,
	})

	manager := ws.NewManager(registry, presenceCache, wsSem)
	syncHandler := handlers.NewSyncHandler(registry)
	realtimeHandler := handlers.NewRealtimeHandler(registry, presenceCache, documentStore)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	auth := middleware.AuthMiddleware(cfg.Auth.Path)

	collabGroup := r.Group("/collab")
	collabGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})
	collabGroup.GET("/ws", auth, manager.WebSocketConnect)

	syncGroup := r.Group("/sync")
	syncGroup.Use(auth)
	syncGroup.POST("/operations", syncHandler.SubmitOperations)

	realtimeGroup := r.Group("/realtime")
	realtimeGroup.Use(auth)
	realtimeGroup.GET("/room/:documentId/status", realtimeHandler.RoomStatus)
	realtimeGroup.GET("/room/:documentId/participants", realtimeHandler.Participants)
	realtimeGroup.GET("/room/:documentId/history", realtimeHandler.History)
	realtimeGroup.POST("/room/:documentId/sync", realtimeHandler.ForceSync)

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
