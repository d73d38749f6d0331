package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peerhaven/signaling/config"
	"github.com/peerhaven/signaling/internal/bus"
	"github.com/peerhaven/signaling/internal/e2ee"
	"github.com/peerhaven/signaling/internal/handlers"
	"github.com/peerhaven/signaling/internal/middleware"
	"github.com/peerhaven/signaling/internal/presence"
	"github.com/peerhaven/signaling/internal/relay"
	"github.com/peerhaven/signaling/internal/store"
	"github.com/peerhaven/signaling/internal/transfer"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := store.NewRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer kv.Close()
	log.Println("Redis connection established")

	// Explicit service construction; everything is passed by reference so
	// there is no hidden global state.
	keys := e2ee.NewKeyManager(cfg.E2EE.SignaturesEnabled, cfg.E2EE.KeyMaxAge)
	svc := &handlers.Services{
		Cfg:      cfg,
		KV:       kv,
		Presence: presence.NewStore(kv, cfg.Room.MaxParticipants, cfg.Room.PresenceTTL, cfg.Room.HeartbeatTimeout),
		Relay: relay.New(
			bus.NewRedisBus(kv.Client()),
			kv,
			relay.NewBuffer(cfg.Replay.BufferSize, cfg.Replay.BufferAge, cfg.Replay.GraceWindow),
		),
		Keys:      keys,
		Messenger: e2ee.NewMessenger(keys, e2ee.NewNonceGuard(kv, cfg.E2EE.NonceTTL), cfg.E2EE.SignaturesEnabled),
		Transfers: transfer.NewManager(kv, cfg.Transfer),
		Limits:    handlers.NewActionLimiter(cfg.RateLimit),
		Sanitizer: handlers.HTMLSanitizer{},
		Recorder:  handlers.NopRecorder{},
	}

	go runSweepers(ctx, svc)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))
		apiGroup.POST("/rooms", middleware.JWTAuth(cfg.JWTSecret), svc.CreateRoom)
		apiGroup.GET("/rooms/:roomId", svc.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), svc.DeleteRoom)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal/:roomId", svc.HandleSignaling)
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Starting signaling server on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
}

// runSweepers expires stale transfers and key material in the background.
func runSweepers(ctx context.Context, svc *handlers.Services) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := svc.Transfers.ExpireStale(ctx); len(expired) > 0 {
				log.Printf("Expired %d stale transfers", len(expired))
			}
			if removed := svc.Keys.ExpireKeys(); removed > 0 {
				log.Printf("Expired %d stale key pairs", removed)
			}
		}
	}
}
