package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"
	"github.com/viant/afs"

	"github.com/aimessages/aimessages/internal/auth"
	"github.com/aimessages/aimessages/internal/bot"
	"github.com/aimessages/aimessages/internal/clipdrop"
	"github.com/aimessages/aimessages/internal/config"
	"github.com/aimessages/aimessages/internal/conversation"
	"github.com/aimessages/aimessages/internal/credits"
	"github.com/aimessages/aimessages/internal/events"
	"github.com/aimessages/aimessages/internal/extension"
	"github.com/aimessages/aimessages/internal/httpx"
	"github.com/aimessages/aimessages/internal/invoke"
	"github.com/aimessages/aimessages/internal/loop"
	"github.com/aimessages/aimessages/internal/openai"
	"github.com/aimessages/aimessages/internal/session"
	"github.com/aimessages/aimessages/internal/stability"
	"github.com/aimessages/aimessages/internal/store"
)

func main() {
	var envFile, port, dataDir, issueFor string
	var tokenTTL time.Duration
	flags := pflag.NewFlagSet("aimessages", pflag.ContinueOnError)
	flags.StringVar(&envFile, "env-file", "", "load environment variables from this file")
	flags.StringVar(&port, "port", "", "listen port (overrides PORT)")
	flags.StringVar(&dataDir, "data-dir", "", "directory of the bolt and events databases (overrides DATA_DIR)")
	flags.StringVar(&issueFor, "issue-token", "", "print a user token for this uid and exit")
	flags.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of tokens printed by --issue-token")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		log.Fatalf("flags: %v", err)
	}
	if port != "" {
		os.Setenv("PORT", port)
	}
	if dataDir != "" {
		os.Setenv("DATA_DIR", dataDir)
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	userSecret := []byte(cfg.UserTokenSecret)
	if issueFor != "" {
		tok, err := httpx.SignUserToken(userSecret, issueFor, tokenTTL)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("data dir: %v", err)
	}

	db, err := store.NewBoltStore(filepath.Join(cfg.DataDir, "aimessages.db"))
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer db.Close()

	rec, err := events.Open(filepath.Join(cfg.DataDir, "events.db"))
	if err != nil {
		log.Fatalf("events: %v", err)
	}
	defer rec.Close()

	inv := invoke.New(cfg.Policy(), invoke.WithObserver(rec))

	ai, err := openai.NewClient(openai.Config{
		APIKey:          cfg.OpenAIAPIKey,
		BaseURL:         cfg.OpenAIBaseURL,
		ChatModel:       cfg.OpenAIChatModel,
		CompletionModel: cfg.OpenAICompletionModel,
		EditModel:       cfg.OpenAIEditModel,
		TokenBuffer:     cfg.TokenBuffer,
	}, inv)
	if err != nil {
		log.Fatalf("openai: %v", err)
	}
	stab := stability.NewClient(cfg.StabilityAPIKey, cfg.StabilityHost, cfg.StabilityEngine, inv)
	clip := clipdrop.NewClient(cfg.ClipdropAPIKey, cfg.ClipdropHost, inv)
	loopClient := loop.NewClient(loop.Config{
		URL:             cfg.LoopURL,
		AuthURL:         cfg.LoopAuthURL,
		SenderName:      cfg.LoopSenderName,
		SecretKey:       cfg.LoopSecretKey,
		ConversationKey: cfg.LoopConversationKey,
		AuthKey:         cfg.LoopAuthKey,
	}, inv)

	accounts := auth.NewAccounts(db)
	ledger := credits.NewLedger(db)
	notifier := credits.NewNotifier(ledger, accounts, loopClient)
	locks := session.NewManager()

	botHandler := bot.NewHandler(bot.Deps{
		Store:    db,
		Locks:    locks,
		Accounts: accounts,
		Ledger:   ledger,
		Notifier: notifier,
		Chat:     ai,
		Sender:   loopClient,
		Formatter: conversation.Formatter{
			Counter: ai.ChatCounter(),
			Budget:  conversation.Budget{MaxContext: ai.ChatModel().ContextWindow, Buffer: cfg.TokenBuffer},
		},
		Limits: bot.Limits{MaxHistory: cfg.MaxMessageHistory, CharacterLimit: cfg.CharacterLimit},
		Events: rec,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue := loop.NewQueue(cfg.QueueSize, cfg.WebhookWorkers, botHandler.HandleEvent)
	queue.Start(context.WithoutCancel(ctx))

	// Stale per-conversation locks are dropped periodically.
	go locks.Run(ctx, 30*time.Minute, time.Hour)

	images := extension.NewService(extension.Deps{
		Store:     db,
		Bucket:    afs.New(),
		BucketURL: cfg.ImageBucketURL,
		Ledger:    ledger,
		Notifier:  notifier,
		Stability: stab,
		Clipdrop:  clip,
		OpenAI:    ai,
		Text:      ai,
		Events:    rec,
	})

	webhookHandler := loop.NewWebhookHandler(cfg.LoopBearerToken, queue, rec)
	authHandler := auth.NewHandler(accounts, loopClient, ledger, rec)
	purchaseHandler := credits.NewHandler(ledger)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Post("/webhooks/loop", webhookHandler.HandleIncoming)
	r.With(httpx.RequireBearer(cfg.PurchasesBearerToken)).Post("/webhooks/purchases", purchaseHandler.HandlePurchase)

	r.With(httpx.RequireUser(userSecret)).Post("/auth/imessage", authHandler.HandleRequest)
	r.With(httpx.RequireBearer(cfg.LoopBearerToken)).Post("/auth/imessage/callback", authHandler.HandleCallback)

	r.Mount("/extension", extension.NewHandler(images, userSecret).Routes())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("aimessages: listening on :%s (env %q)", cfg.Port, cfg.Env)
		if cfg.Test() {
			log.Printf("aimessages: loop bearer token = %s", cfg.LoopBearerToken)
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("aimessages: shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if err := queue.Close(shutdownCtx); err != nil {
		log.Printf("shutdown: draining webhook queue: %v", err)
	}
	if err := images.Wait(shutdownCtx); err != nil {
		log.Printf("shutdown: storing images: %v", err)
	}
	log.Println("aimessages: stopped")
}
