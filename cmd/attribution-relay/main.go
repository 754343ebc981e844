// attribution-relay is a server-side embedding of the attribution client
// for apps that cannot link the SDK directly. It accepts raw events over
// HTTP and runs them through the same resolve/queue/deliver pipeline an
// in-process client would.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/reddimon/attribution-go/attribution"
	"github.com/reddimon/attribution-go/config"
	"github.com/reddimon/attribution-go/device"
	"github.com/reddimon/attribution-go/logger"
)

type trackRequest struct {
	Type    string         `json:"type" binding:"required"`
	Payload map[string]any `json:"payload"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	log := logger.ZapForComponent("relay")
	defer logger.Sync()

	client := attribution.NewClient(attribution.WithSignals(device.Signals{
		Platform: "relay",
	}))
	if err := client.Initialize(cfg); err != nil {
		log.Fatalf("failed to initialize attribution client: %v", err)
	}

	// Delivery outcomes are telemetry here; log terminal failures.
	if events, err := client.DeliveryEvents(); err == nil {
		go func() {
			for st := range events {
				if st.Err != nil {
					log.Warnf("event %s: status=%s attempts=%d err=%v", st.EventID, st.Status, st.Attempts, st.Err)
				}
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(secure.New(secure.Config{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))

	corsCfg := cors.DefaultConfig()
	if cfg.Relay.AllowedOrigin != "" {
		corsCfg.AllowOrigins = []string{cfg.Relay.AllowedOrigin}
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-Api-Key")
	router.Use(cors.New(corsCfg))

	rate, err := limiter.NewRateFromFormatted(cfg.Relay.RateLimit)
	if err != nil {
		log.Fatalf("invalid rate limit %q: %v", cfg.Relay.RateLimit, err)
	}
	router.Use(mgin.NewMiddleware(limiter.New(memory.NewStore(), rate)))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/v1/status", func(c *gin.Context) {
		pending, err := client.PendingCount(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		deviceID, _ := client.DeviceID()
		sessionID, _ := client.SessionID()
		c.JSON(http.StatusOK, gin.H{
			"pending":   pending,
			"deviceId":  deviceID,
			"sessionId": sessionID,
		})
	})

	router.POST("/v1/track", func(c *gin.Context) {
		var req trackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid track request: " + err.Error()})
			return
		}
		id, err := client.TrackEvent(c.Request.Context(), req.Type, req.Payload)
		if err != nil {
			if errors.Is(err, attribution.ErrNotInitialized) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if id == "" {
			// Duplicate install/subscription absorbed by dedup.
			c.JSON(http.StatusOK, gin.H{"accepted": false, "duplicate": true})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"accepted": true, "eventId": id})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Relay.Port),
		Handler: router,
	}

	go func() {
		log.Infof("attribution relay listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("relay server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Infof("shutting down attribution relay")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("server shutdown error: %v", err)
	}
	if err := client.Shutdown(ctx); err != nil {
		log.Errorf("client shutdown error: %v", err)
	}
}
