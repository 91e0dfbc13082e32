package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"circle-service/internal/admin"
	"circle-service/internal/clock"
	"circle-service/internal/config"
	"circle-service/internal/db"
	"circle-service/internal/handlers"
	"circle-service/internal/logging"
	"circle-service/internal/memstore"
	"circle-service/internal/middleware"
	"circle-service/internal/observability"
	"circle-service/internal/rabbitmq"
	"circle-service/internal/repositories"
	"circle-service/internal/services"
	"circle-service/internal/stream"
	"circle-service/internal/sweeper"
	"circle-service/internal/telemetry"
	"circle-service/internal/ws"
)

type stores struct {
	locations repositories.LocationRepository
	profiles  repositories.ProfileRepository
	friends   repositories.FriendRepository
	chats     repositories.ChatRepository
	messages  repositories.MessageRepository
	database  *sqlx.DB
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Store.Driver == config.DriverMemory {
		mem := memstore.New()
		return &stores{
			locations: mem.Locations(),
			profiles:  mem.Profiles(),
			friends:   mem.Friends(),
			chats:     mem.Chats(),
			messages:  mem.Messages(),
		}, nil
	}

	database, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	var opts []repositories.MessageRepoOption
	if cfg.Database.NotifyChannel != "" {
		opts = append(opts, repositories.WithNotifyChannel(cfg.Database.NotifyChannel))
	}
	return &stores{
		locations: repositories.NewLocationRepo(database),
		profiles:  repositories.NewProfileRepo(database),
		friends:   repositories.NewFriendRepo(database),
		chats:     repositories.NewChatRepo(database),
		messages:  repositories.NewMessageRepo(database, opts...),
		database:  database,
	}, nil
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logging.Setup("info", "json")
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to db")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	pubStatus := rabbitmq.StatusOf(publisher)
	log.Info().Str("mode", pubStatus.Mode).Str("reason", pubStatus.Reason).Msg("event publisher ready")
	emitter := telemetry.NewEmitter(publisher, cfg.AMQP.RoutingKey, cfg.Tracing.ServiceName, cfg.Env)

	clk := clock.NewMonotonic(clock.System{})
	hub := stream.NewHub(cfg.Chat.SubscriberBuffer)
	crossInstance := st.database != nil && cfg.Database.NotifyChannel != ""

	loader := services.NewProfileLoader(st.profiles)
	discovery := services.NewDiscoveryService(st.locations, loader, clk, services.DiscoveryConfig{
		RadiusKm:        cfg.Discovery.RadiusKm,
		LocationTTL:     cfg.Discovery.LocationTTL,
		RefreshInterval: cfg.Discovery.RefreshInterval,
	})
	friends := services.NewFriendService(st.friends, loader, clk, cfg.Chat.GracePeriod, emitter)
	chat := services.NewChatService(services.ChatDeps{
		Chats:          st.chats,
		Messages:       st.messages,
		Friends:        st.friends,
		Profiles:       st.profiles,
		Hub:            hub,
		Clock:          clk,
		Events:         emitter,
		PublishLocally: !crossInstance,
	}, services.ChatConfig{
		GracePeriod:      cfg.Chat.GracePeriod,
		PageSize:         cfg.Chat.PageSize,
		MaxPageSize:      cfg.Chat.MaxPageSize,
		MaxMessageLength: cfg.Chat.MaxMessageLength,
	})

	if crossInstance {
		listener := stream.NewPGListener(cfg.Database.DSN, cfg.Database.NotifyChannel, hub, st.messages)
		go func() {
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("postgres listener stopped")
			}
		}()
	}

	if cfg.Sweeper.Enabled {
		go sweeper.New(st.locations, chat, clk, cfg.Discovery.LocationTTL).Run(ctx, cfg.Sweeper.Interval)
	}

	checks := map[string]admin.Check{}
	if st.database != nil {
		checks["postgres"] = st.database.PingContext
	}
	adminSrv := admin.NewServer(checks)
	go adminSrv.Watch(ctx, 15*time.Second)
	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen grpc")
	}
	go func() {
		log.Info().Str("port", cfg.GRPC.Port).Msg("admin grpc listening")
		if err := adminSrv.Serve(grpcLis); err != nil {
			log.Error().Err(err).Msg("admin grpc stopped")
		}
	}()

	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.Tracing.ServiceName),
		observability.RequestIDMiddleware(),
		logging.GinLogger(),
		observability.HTTPMetricsMiddleware(),
	)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		if st.database != nil {
			if err := st.database.PingContext(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authMiddleware := middleware.AuthMiddleware(middleware.NewTokenVerifier(cfg.Auth.JWTSecret))
	discoveryHandler := handlers.NewDiscoveryHandler(discovery, loader)
	friendHandler := handlers.NewFriendHandler(friends)
	chatHandler := handlers.NewChatHandler(chat)
	registry := ws.NewRegistry()
	chatWS := ws.NewChatWebSocketHandler(chat, registry, emitter)

	api := router.Group("/", authMiddleware)
	api.PUT("/location", discoveryHandler.UpdateLocation)
	api.GET("/discover", discoveryHandler.Discover)
	api.GET("/users/:uid", discoveryHandler.GetProfile)

	api.GET("/friends", friendHandler.ListFriends)
	api.DELETE("/friends/:uid", friendHandler.RemoveFriend)
	api.GET("/friends/requests", friendHandler.ListIncoming)
	api.GET("/friends/requests/outgoing", friendHandler.ListOutgoing)
	api.POST("/friends/requests", friendHandler.SendRequest)
	api.POST("/friends/requests/:uid/accept", friendHandler.AcceptRequest)
	api.POST("/friends/requests/:uid/reject", friendHandler.RejectRequest)

	api.GET("/chats", chatHandler.ListChats)
	api.POST("/chats/open", chatHandler.OpenChat)
	api.POST("/chats/sweep", chatHandler.SweepExpired)
	api.GET("/chats/:chat_id/messages", chatHandler.GetChatMessages)
	api.POST("/chats/:chat_id/messages", chatHandler.PostChatMessage)
	api.POST("/chats/:chat_id/read", chatHandler.MarkRead)
	api.DELETE("/chats/:chat_id", chatHandler.DeleteChat)

	api.GET("/ws/chats/:chat_id", chatWS.Handle)
	handlers.RegisterDebugRoutes(api, emitter, cfg.Server.Debug)

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: router}
	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("store", cfg.Store.Driver).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	registry.CloseAll()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	adminSrv.Stop()
	if err := publisher.Close(); err != nil {
		log.Warn().Err(err).Msg("publisher close")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
	if st.database != nil {
		_ = st.database.Close()
	}
}
