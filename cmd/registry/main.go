// cmd/registry is the entrypoint for the reference/registry process
// (C4): a single long-lived service that assigns each message server a
// unique rank and tracks liveness by heartbeat.
//
// Example:
//
//	./registry --addr :5559 --data-dir /data/reference
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"distributed-bbs/internal/api"
	"distributed-bbs/internal/registry"
)

func main() {
	addr := flag.String("addr", ":5559", "Listen address")
	dataDir := flag.String("data-dir", "/data/reference", "Directory for reference.json")
	flag.Parse()

	reg, err := registry.Open(*dataDir)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(), api.Recovery())
	registry.NewServer(reg).Register(router)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "servers": len(reg.List())})
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	stop := make(chan struct{})
	go reg.RunEvictionLoop(stop)

	go func() {
		log.Printf("[REGISTRY] listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("registry server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[REGISTRY] shutting down")
	close(stop)
	reg.Save()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("registry shutdown error: %v", err)
	}
}
