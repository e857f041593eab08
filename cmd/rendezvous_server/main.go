package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"slidesync/internal/cache"
	"slidesync/internal/httpapi/middleware"
	"slidesync/internal/rendezvous"
)

type RendezvousConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
}

func initConfig() (*RendezvousConfig, error) {
	cfg := &RendezvousConfig{}
	v := viper.New()
	v.SetConfigName("rendezvousConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或部署目录启动
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
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	presenceCache := cache.NewRedisPresence(rdb)
	hub := rendezvous.NewHub(presenceCache)
	manager := rendezvous.NewManager(hub)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	collab := r.Group("/collab")
	collab.Use(middleware.AuthMiddleware())
	collab.GET("/ws", manager.WebSocketConnect)
	collab.GET("/sessions/:id/members", manager.Members)
	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	port := cfg.Running.Port
	if err := r.Run(fmt.Sprintf(":%d", port)); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
