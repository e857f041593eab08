package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/spf13/viper"

	"slidesync/internal/collab"
	"slidesync/internal/store"
	"slidesync/internal/token"
	"slidesync/internal/ws"
)

// 无头副本：加入会话、参与对等同步，把本地应用的操作写入 Kafka 事件流、
// 把项目状态快照写入 MySQL。编辑器前端接同一个 Manager，只是多了 UI

type ReplicaConfig struct {
	Running struct {
		ListenAddr string `mapstructure:"listenAddr"`
	} `mapstructure:"Running"`
	Signal struct {
		URL     string `mapstructure:"url"`
		Session string `mapstructure:"session"`
	} `mapstructure:"Signal"`
	User struct {
		ID    string `mapstructure:"id"`
		Name  string `mapstructure:"name"`
		Color string `mapstructure:"color"`
	} `mapstructure:"User"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
}

func initConfig() (*ReplicaConfig, error) {
	cfg := &ReplicaConfig{}
	v := viper.New()
	v.SetConfigName("replicaConfig")
	v.SetConfigType("yaml")
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

	var sessionStore collab.SessionStore
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		sessionStore = store.NewSessionStore(db)
	}

	var journal collab.Journal
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("failed to connect kafka: %v", err)
		}
		defer producer.Close()

		journal = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSendLimiter(),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			})
	}

	accessToken, _, err := token.SignAccessToken(cfg.User.ID, cfg.User.Name, 24*time.Hour)
	if err != nil {
		log.Fatalf("sign token failed: %v", err)
	}

	localUser := &collab.User{
		ID:    cfg.User.ID,
		Name:  cfg.User.Name,
		Color: cfg.User.Color,
	}
	mesh := ws.NewMesh(ws.Config{
		SignalURL:  cfg.Signal.URL,
		Token:      accessToken,
		ListenAddr: cfg.Running.ListenAddr,
	})

	manager := collab.NewManager(localUser, collab.Options{
		Store:     sessionStore,
		Transport: mesh,
		Journal:   journal,
		Events: &collab.Events{
			OperationApplied: func(op *collab.OperationMessage) {
				log.Printf("op applied: id=%s type=%s target=%s ver=%d", op.ID, op.Type, op.TargetID, op.Version)
			},
			OperationReceived: func(op *collab.OperationMessage) {
				log.Printf("op received: id=%s type=%s target=%s ver=%d", op.ID, op.Type, op.TargetID, op.Version)
			},
			OperationError: func(op *collab.OperationMessage, err error) {
				log.Printf("op error: id=%s err=%v", op.ID, err)
			},
			ConflictDetected: func(op *collab.OperationMessage, conflicts []*collab.OperationMessage) {
				log.Printf("conflict detected: op=%s against %d ops", op.ID, len(conflicts))
			},
			UserJoined: func(u *collab.User) { log.Printf("user joined: %s (%s)", u.ID, u.Name) },
			UserLeft:   func(userID string) { log.Printf("user left: %s", userID) },
			PeerError:  func(userID string, err error) { log.Printf("peer error: %s %v", userID, err) },
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := manager.JoinSession(ctx, cfg.Signal.Session); err != nil {
		cancel()
		log.Fatalf("join session failed: %v", err)
	}
	cancel()
	log.Printf("joined session %s at version %d", cfg.Signal.Session, manager.Version())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	manager.LeaveSession()
	log.Println("left session, bye")
}
