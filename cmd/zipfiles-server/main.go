package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"zipfiles/pkg/app"
	"zipfiles/pkg/config"
	"zipfiles/pkg/server"
	"zipfiles/pkg/service"

	"github.com/spf13/viper"
)

const healthInterval = 10 * time.Second

func main() {
	// 1. Load Config
	cfgFile := flag.String("config", "", "config file (default is $HOME/.zipfiles/config.yaml)")
	flag.Parse()

	if err := config.Load(*cfgFile); err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Init Core Application
	application, err := app.NewApp(ctx)
	if err != nil {
		log.Fatalf("❌ Failed to initialize app: %v", err)
	}
	defer application.Close()
	fmt.Printf("✅ zipfiles initialized (storage root %s)\n", application.StorageRoot)

	// 3. HTTP Server
	mux := http.NewServeMux()
	service.NewBundleService(application).Register(mux)

	addr := viper.GetString("server.addr")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           server.Chain(mux, server.Logging, server.Recovery),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		fmt.Printf("🚀 HTTP Server listening on %s...\n", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Failed to serve HTTP: %v", err)
		}
	}()

	// 4. gRPC Health Server (可选)
	grpcAddr := viper.GetString("server.grpc_addr")
	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatalf("❌ Failed to listen on %s: %v", grpcAddr, err)
		}
		grpcSrv, hs := server.NewGRPCServer()
		go server.WatchHealth(ctx, hs, application.Ping, healthInterval)

		go func() {
			fmt.Printf("🩺 gRPC health listening on %s...\n", grpcAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("❌ Failed to serve gRPC: %v", err)
			}
		}()
		defer grpcSrv.GracefulStop()
	}

	// 5. Graceful Shutdown
	<-ctx.Done()
	fmt.Println("\n⚠️  Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("⚠️  HTTP shutdown: %v\n", err)
	}
	fmt.Println("👋 Server stopped.")
}
