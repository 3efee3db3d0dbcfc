package main

import (
	"context"
	"errors"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/auth"
	"parley/internal/config"
	"parley/internal/dispatch"
	"parley/internal/filestore"
	"parley/internal/http"
	"parley/internal/presence"
	"parley/internal/push"
	"parley/internal/storage"
	"parley/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, bbStorage)
	if err != nil {
		return err
	}

	registry := presence.NewRegistry()
	hub := ws.NewHub(ctx, registry, cfg.TypingExpiry)

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}
	uploader := filestore.NewUploader(files, bbStorage, cfg.BaseURL)

	pushConfig := push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublic,
		VAPIDPrivateKey: cfg.VAPIDPrivate,
		Subscriber:      cfg.PushSubscriber,
	}
	notifier := push.NewNotifier(pushConfig, bbStorage)

	dispatchConfig := dispatch.Config{
		Store:    bbStorage,
		Uploader: uploader,
		Events:   hub,
		Presence: registry,
	}
	if pushConfig.Enabled() {
		dispatchConfig.Offline = notifier
	} else {
		log.Println("VAPID keys not configured, offline push disabled")
	}
	dispatcher := dispatch.New(dispatchConfig)

	apiServer := http.NewAPIServer(authService, hub, dispatcher, files, bbStorage, notifier, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
