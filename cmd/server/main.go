package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"realtime-bindings/internal/bootstrap"
	"realtime-bindings/internal/config"
	"realtime-bindings/internal/server"
	"realtime-bindings/internal/tracer"
)

func main() {
	// 0. Tracer
	shutdownTracer := tracer.InitTracer()
	defer shutdownTracer(context.Background())

	// 1. Configuration
	cfg := config.Load()

	// 2. Dependencies
	container, err := bootstrap.NewContainer(cfg)
	if err != nil {
		log.Fatalf("Unable to build container: %v", err)
	}

	// 3. Reactor and session hub
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := container.Start(ctx); err != nil {
		log.Fatalf("Unable to start reactor: %v", err)
	}

	// 4. HTTP server
	srv := server.New(cfg, container)
	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		if err := srv.Shutdown(); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if err := srv.Run(); err != nil {
		log.Printf("Server stopped: %v", err)
	}
	if err := container.Close(); err != nil {
		log.Printf("Container close error: %v", err)
	}
}
