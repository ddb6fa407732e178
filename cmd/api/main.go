package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"relaychat/internal/auth"
	"relaychat/internal/data"
	"relaychat/internal/db"
	"relaychat/internal/middleware"
)

func main() {
	// .env is a development convenience; in production the environment is
	// already populated.
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	// Read configuration from environment
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		log.Fatal("MONGODB_URI must be set")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ctx := context.Background()

	// Initialize database
	dbClient, err := db.New(ctx, mongoURI)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to DB")
	}
	defer func() {
		_ = dbClient.Close(ctx)
	}()

	// Ensure indexes exist
	if err := dbClient.CreateIndexes(ctx); err != nil {
		log.WithError(err).Fatal("failed to create indexes")
	}

	// Create stores
	usersStore := data.NewUsersStore(dbClient.UsersCollection())
	membershipStore := data.NewMembershipStore(dbClient.ChatsCollection(), dbClient.ChatMembersCollection())
	msgsStore := data.NewMessagesStore(dbClient.MessagesCollection(), dbClient.ChatsCollection(), membershipStore, usersStore)

	// Sessions stay valid for a week; clients re-authenticate by logging in
	// again after expiry.
	jwtMgr := auth.NewJWTManager(jwtSecret, 7*24*time.Hour)

	// RATE_LIMIT_RPM controls requests per minute for the credential
	// endpoints. Small burst to allow a couple of quick retries.
	rateRPM := 10
	if v := os.Getenv("RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rateRPM = n
		}
	}
	limiterStore := middleware.NewLimiterStore(rateRPM, 3, 1*time.Minute)
	defer limiterStore.Stop()

	hub := NewHub()
	srv := newServer(usersStore, membershipStore, msgsStore, jwtMgr, hub, log)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.routes(limiterStore),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", httpServer.Addr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server exit")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown did not complete cleanly")
	}
}
