// README: Entry point; loads config, wires stores and services, runs the HTTP
// server, event consumers, the location consumer and the assignment sweeper.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dispatch/internal/config"
	"dispatch/internal/events"
	httpapi "dispatch/internal/http"
	"dispatch/internal/http/handlers"
	"dispatch/internal/infra"
	"dispatch/internal/logging"
	"dispatch/internal/maps"
	"dispatch/internal/memstore"
	"dispatch/internal/modules/assignment"
	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/driver"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/modules/scoring"
	"dispatch/internal/modules/tracking"
)

const trackingQueue = "dispatch.tracking"

type stores struct {
	bookings booking.Repository
	drivers  driver.Repository
	hubs     pricing.HubResolver
	claimer  assignment.Claimer
	history  location.History
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("dispatch-api stopped")
	}
	log.Info("dispatch-api stopped")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	st, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	rdb := openRedis(ctx, cfg, log)
	var geoIndex driver.GeoIndex
	var sessions tracking.Store
	if rdb != nil {
		defer rdb.Close()
		geoIndex = driver.NewRedisGeoIndex(rdb)
		sessions = tracking.NewRedisStore(rdb)
	} else {
		geoIndex = memstore.New().GeoIndex()
		sessions = tracking.NewMemoryStore()
	}

	verifier, mirror, err := openFirebase(ctx, cfg, log)
	if err != nil {
		return err
	}

	bus := events.NewBus(1024, log.WithField("module", "events"))
	var publisher events.Publisher = bus
	var assignConsumer, trackConsumer *events.AMQPConsumer
	if cfg.AMQP.URL != "" {
		conn, err := infra.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return err
		}
		defer conn.Close()
		amqpPub, err := events.NewAMQPPublisher(conn, cfg.AMQP.Exchange)
		if err != nil {
			return err
		}
		defer amqpPub.Close()
		publisher = amqpPub
		assignConsumer = events.NewAMQPConsumer(conn, cfg.AMQP.Exchange, cfg.AMQP.Queue, log.WithField("module", "events"))
		trackConsumer = events.NewAMQPConsumer(conn, cfg.AMQP.Exchange, trackingQueue, log.WithField("module", "events"))
		log.WithField("exchange", cfg.AMQP.Exchange).Info("events routed through RabbitMQ")
	}

	fares, err := pricing.NewService(st.hubs, cfg.Pricing)
	if err != nil {
		return err
	}
	scorer, err := scoring.New(cfg.Scoring)
	if err != nil {
		return err
	}

	bookingSvc := booking.NewService(st.bookings, fares, publisher, log.WithField("module", "booking"))
	driverSvc := driver.NewService(st.drivers, geoIndex, log.WithField("module", "driver"))
	coordinator := assignment.NewCoordinator(bookingSvc, driverSvc, st.claimer, scorer, publisher, cfg.Assignment, log.WithField("module", "assignment"))
	hub := tracking.NewHub(rdb, log.WithField("module", "tracking"))
	trackingSvc := tracking.NewService(sessions, bookingSvc, cfg.Tracking.SessionTTL, log.WithField("module", "tracking"))

	locationOpts := []location.Option{}
	if cfg.Maps.APIKey != "" {
		router, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		locationOpts = append(locationOpts, location.WithRouter(router))
	}
	if mirror != nil {
		locationOpts = append(locationOpts, location.WithMirror(mirror))
	}
	locationSvc := location.NewService(st.history, driverSvc, bookingSvc, cfg.Location, log.WithField("module", "location"), locationOpts...)
	driverSvc.OnOffline(locationSvc.Forget)

	g, ctx := errgroup.WithContext(ctx)

	var queue handlers.Enqueuer
	if len(cfg.Kafka.Brokers) > 0 {
		producer := location.NewKafkaProducer(cfg.Kafka)
		defer producer.Close()
		queue = producer
		consumer := location.NewKafkaConsumer(cfg.Kafka, locationSvc, log.WithField("module", "location"))
		g.Go(func() error { return consumer.Run(ctx) })
	}

	if assignConsumer != nil {
		g.Go(func() error {
			return assignConsumer.Run(ctx, coordinator.HandleEvent, events.BookingCreated, events.BookingReopened)
		})
		// One instance takes each tracking event; the hub relays it to the rest through Redis.
		g.Go(func() error {
			return trackConsumer.Run(ctx, hub.HandleEvent, events.BookingStatusChanged, events.BookingTrackingUpdated)
		})
	} else {
		bus.Subscribe(coordinator.HandleEvent, events.BookingCreated, events.BookingReopened)
		bus.Subscribe(hub.HandleEvent, events.BookingStatusChanged, events.BookingTrackingUpdated)
		g.Go(func() error { return bus.Run(ctx) })
	}

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return coordinator.RunRetrySweeper(ctx) })

	router := httpapi.NewRouter(httpapi.RouterDeps{
		Bookings:      bookingSvc,
		Drivers:       driverSvc,
		Coordinator:   coordinator,
		Location:      locationSvc,
		LocationQueue: queue,
		Tracking:      trackingSvc,
		Hub:           hub,
		Verifier:      verifier,
		LocationCfg:   cfg.Location,
		Log:           log.WithField("module", "http"),
	})
	server := httpapi.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ShutdownTimeout, log)
	g.Go(func() error { return server.Run(ctx) })

	return g.Wait()
}

// openStores uses Postgres when a DSN is configured and the in-memory store otherwise.
func openStores(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (stores, func(), error) {
	if cfg.DB.DSN == "" {
		log.Warn("no database configured, using in-memory store")
		mem := memstore.New()
		return stores{
			bookings: mem.Bookings(),
			drivers:  mem.Drivers(),
			hubs:     mem,
			claimer:  mem,
			history:  location.NewMemoryHistory(),
		}, func() {}, nil
	}
	pool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return stores{}, nil, err
	}
	return stores{
		bookings: booking.NewStore(pool),
		drivers:  driver.NewStore(pool),
		hubs:     pricing.NewStore(pool),
		claimer:  assignment.NewStore(pool),
		history:  location.NewStore(pool),
	}, pool.Close, nil
}

// openRedis returns nil when Redis is unset or unreachable; the geo index,
// tracking sessions and hub relay then stay in-process.
func openRedis(ctx context.Context, cfg config.Config, log logrus.FieldLogger) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	rdb := infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).WithField("addr", cfg.Redis.Addr).Warn("redis unreachable, using in-process fallbacks")
		_ = rdb.Close()
		return nil
	}
	return rdb
}

// openFirebase picks the token verifier and the optional position mirror.
func openFirebase(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (infra.TokenVerifier, location.Mirror, error) {
	if cfg.Firebase.ProjectID == "" {
		log.Info("firebase not configured, verifying HS256 JWTs")
		v, err := infra.NewJWTVerifier(cfg.Auth.JWTSecret)
		return v, nil, err
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Firebase.DatabaseURL == "" {
		return verifier, nil, nil
	}
	mirror, err := location.NewFirebaseMirror(ctx, app)
	if err != nil {
		return nil, nil, err
	}
	return verifier, mirror, nil
}
