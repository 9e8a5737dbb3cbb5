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

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	discoverydomain "github.com/iota-uz/governance/modules/discovery/domain"
	discoverypersistence "github.com/iota-uz/governance/modules/discovery/infrastructure/persistence"
	discoveryservices "github.com/iota-uz/governance/modules/discovery/services"
	invitationdomain "github.com/iota-uz/governance/modules/invitation/domain"
	sharingpersistence "github.com/iota-uz/governance/modules/sharing/infrastructure/persistence"
	sharingservices "github.com/iota-uz/governance/modules/sharing/services"
	"github.com/iota-uz/governance/pkg/composables"
	"github.com/iota-uz/governance/pkg/configuration"
	"github.com/iota-uz/governance/pkg/eventbus"
	"github.com/iota-uz/governance/pkg/hierarchy"
	"github.com/iota-uz/governance/pkg/metrics"
)

// application holds the wired service graph. The invitation service is not
// constructed here: its identity-store and role collaborators are supplied
// by the embedding deployment.
type application struct {
	pool      *pgxpool.Pool
	log       *logrus.Logger
	bus       eventbus.EventBus
	sharing   *sharingservices.SharingService
	discovery *discoveryservices.DiscoveryService
}

func main() {
	conf := configuration.Use()
	log := conf.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, conf.Database.ConnectionString())
	if err != nil {
		log.WithError(err).Fatal("failed to create database pool")
	}
	defer pool.Close()

	if err := runMigrations(pool, conf.MigrationsDir); err != nil {
		log.WithError(err).Fatal("failed to apply migrations")
	}

	bus := eventbus.NewEventPublisher(log)
	bus.Subscribe(func(e invitationdomain.InvitationCreatedEvent) error {
		log.WithFields(logrus.Fields{
			"invitation_id": e.InvitationID,
			"invited_org":   e.InvitedOrgID,
			"email":         e.Email,
		}).Info("invitation created")
		return nil
	})

	resolver := hierarchy.NewPgResolver()
	tx := composables.NewPoolTransactor(pool)
	app := &application{
		pool: pool,
		log:  log,
		bus:  bus,
		sharing: sharingservices.NewSharingService(
			sharingpersistence.NewPgSharingRepository(), resolver, tx,
		),
		discovery: discoveryservices.NewDiscoveryService(
			discoverypersistence.NewPgDiscoveryRepository(), resolver,
			discoverydomain.NewTypeRegistry(discoverydomain.NewEmailDomainHandler(nil)), tx,
		),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", app.healthHandler).Methods(http.MethodGet)
	if conf.Prometheus.Enabled {
		metrics.Register(r, conf.Prometheus.Path)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", conf.ServerPort),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("governance server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

func (a *application) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.pool.Ping(ctx); err != nil {
		a.log.WithError(err).Error("health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func runMigrations(pool *pgxpool.Pool, dir string) error {
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, dir)
}
