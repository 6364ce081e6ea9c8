// cmd/server is the entrypoint for one message server (C8) in the BBS
// fleet: it registers with the registry, brings up the replication and
// election RPC endpoints, and serves client-facing requests.
//
// Example:
//
//	./server --name server_a --addr :8080 --data-dir /data/server_a \
//	         --registry http://reference:5559 --proxy http://proxy:5557
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"distributed-bbs/internal/api"
	"distributed-bbs/internal/bbs"
	"distributed-bbs/internal/berkeley"
	"distributed-bbs/internal/clock"
	"distributed-bbs/internal/election"
	"distributed-bbs/internal/pubsub"
	"distributed-bbs/internal/regclient"
	"distributed-bbs/internal/registry"
	"distributed-bbs/internal/replication"
	"distributed-bbs/internal/storage"
)

func main() {
	defaultName := os.Getenv("SERVER_NAME")
	if defaultName == "" {
		defaultName = fmt.Sprintf("server_%d", rand.Intn(9000)+1000)
	}
	name := flag.String("name", defaultName, "This server's name, used as its identity with the registry and peers")
	addr := flag.String("addr", ":8080", "Client-facing listen address")
	replicationAddr := flag.String("replication-addr", ":6000", "Replication RPC listen address")
	electionAddr := flag.String("election-addr", ":6001", "Election RPC listen address")
	dataDir := flag.String("data-dir", "/data", "Directory for this server's persisted state")
	registryAddr := flag.String("registry", "http://reference:5559", "Registry service base address")
	proxyAddr := flag.String("proxy", "", "Fan-out proxy base address (empty: publishes are logged, not delivered)")
	flag.Parse()

	store, err := storage.Open(*dataDir)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	lamport := clock.New()
	registryClient := regclient.New(*registryAddr, lamport, 5*time.Second)

	rank, err := registryClient.Rank(*name)
	if err != nil {
		log.Fatalf("register with registry: %v", err)
	}
	log.Printf("[SERVER:%s] rank assigned: %d", *name, rank)

	var publisher pubsub.Publisher
	if *proxyAddr != "" {
		publisher = pubsub.NewHTTPPublisher(*proxyAddr)
	} else {
		publisher = pubsub.NullPublisher{}
	}

	replicationMgr := replication.New(*name, store)
	electionMgr := election.New(*name, rank, publisher, store)
	berkeleySync := berkeley.New(*name, store)

	deps := bbs.Deps{
		ServerName:  *name,
		Clock:       lamport,
		Store:       store,
		Election:    electionMgr,
		Replication: replicationMgr,
		Berkeley:    berkeleySync,
		Publisher:   publisher,
		Registry:    registryClient,
	}
	server := bbs.New(deps, rank)

	// A freshly (re)started non-coordinator with nothing persisted yet
	// catches up from whoever the registry currently thinks is the
	// lowest-ranked (coordinator) server, instead of waiting for the
	// next periodic replication round.
	if rank != 1 && len(server.Users()) == 0 && len(server.Channels()) == 0 {
		if list, err := registryClient.List(); err == nil {
			if coordinator, ok := lowestRanked(list, *name); ok && replicationMgr.SyncFrom(coordinator) {
				server.OnReplicationApplied()
			}
		}
	}

	gin.SetMode(gin.ReleaseMode)

	clientRouter := gin.New()
	clientRouter.Use(api.Logger(), api.Recovery())
	bbs.NewTransport(server).Register(clientRouter)
	clientRouter.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"server": *name, "rank": rank, "coordinator": server.Coordinator()})
	})

	replicationRouter := gin.New()
	replicationRouter.Use(api.Logger(), api.Recovery())
	onOffset := func(offset float64, coordinator string) { berkeleySync.ApplyOffset(offset) }
	onApplied := func() { server.OnReplicationApplied() }
	replication.NewServer(replicationMgr, onOffset, berkeleySync.LocalTime, onApplied).Register(replicationRouter)

	electionRouter := gin.New()
	electionRouter.Use(api.Logger(), api.Recovery())
	onAnnouncement := func(coordinator string, rank int) { server.OnServersTopicAnnouncement(coordinator, rank) }
	election.NewServer(electionMgr, onAnnouncement).Register(electionRouter)

	clientSrv := &http.Server{Addr: *addr, Handler: clientRouter, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	replicationSrv := &http.Server{Addr: *replicationAddr, Handler: replicationRouter, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	electionSrv := &http.Server{Addr: *electionAddr, Handler: electionRouter, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		log.Printf("[SERVER:%s] client endpoint listening on %s", *name, *addr)
		if err := clientSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("client server error: %v", err)
		}
	}()
	go func() {
		log.Printf("[SERVER:%s] replication endpoint listening on %s", *name, *replicationAddr)
		if err := replicationSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("replication server error: %v", err)
		}
	}()
	go func() {
		log.Printf("[SERVER:%s] election endpoint listening on %s", *name, *electionAddr)
		if err := electionSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("election server error: %v", err)
		}
	}()

	stop := make(chan struct{})
	go server.RunHeartbeatLoop(stop)
	go server.RunPeerListLoop(stop)
	go server.RunCoordinatorMonitorLoop(stop)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("[SERVER:%s] shutting down", *name)
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	clientSrv.Shutdown(ctx)
	replicationSrv.Shutdown(ctx)
	electionSrv.Shutdown(ctx)
}

// lowestRanked returns the name of the lowest-ranked server other than
// self in list, i.e. whoever should currently be coordinator.
func lowestRanked(list []registry.ListEntry, self string) (string, bool) {
	best := ""
	bestRank := 0
	for _, entry := range list {
		if entry.Name == self {
			continue
		}
		if best == "" || entry.Rank < bestRank {
			best = entry.Name
			bestRank = entry.Rank
		}
	}
	return best, best != ""
}
