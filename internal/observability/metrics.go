package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_http_requests_total",
			Help: "Total number of HTTP requests processed by the circle service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "circle_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circle_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "circle_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	discoveryQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_discovery_queries_total",
			Help: "Nearby discovery queries by outcome.",
		},
		[]string{"result"},
	)
	discoveryNearbyUsers = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "circle_discovery_nearby_users",
			Help:    "Number of users returned by a discovery query.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)
	profileBatchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "circle_profile_batch_failures_total",
			Help: "Profile batches that failed to load.",
		},
	)
	friendTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_friend_transitions_total",
			Help: "Applied friend graph transitions.",
		},
		[]string{"kind"},
	)
	chatSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_chat_sessions_total",
			Help: "Chat session lifecycle events.",
		},
		[]string{"event"},
	)
	messagesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "circle_messages_sent_total",
			Help: "Messages appended to chats.",
		},
	)
	liveTailSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circle_live_tail_subscribers",
			Help: "Active live tail subscriptions.",
		},
	)
	liveTailDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "circle_live_tail_dropped_total",
			Help: "Live tail subscriptions dropped for falling behind.",
		},
	)
	sweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circle_swept_total",
			Help: "Records removed by the expiry sweeper.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		discoveryQueriesTotal,
		discoveryNearbyUsers,
		profileBatchFailuresTotal,
		friendTransitionsTotal,
		chatSessionsTotal,
		messagesSentTotal,
		liveTailSubscribers,
		liveTailDroppedTotal,
		sweptTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

// ObserveDiscovery records one discovery query. result is "ok", "partial" or
// "error".
func ObserveDiscovery(result string, nearby int) {
	discoveryQueriesTotal.WithLabelValues(result).Inc()
	if result != "error" {
		discoveryNearbyUsers.Observe(float64(nearby))
	}
}

func AddProfileBatchFailures(n int) {
	profileBatchFailuresTotal.Add(float64(n))
}

func IncFriendTransition(kind string) {
	friendTransitionsTotal.WithLabelValues(kind).Inc()
}

func IncChatSession(event string) {
	chatSessionsTotal.WithLabelValues(event).Inc()
}

func IncMessageSent() {
	messagesSentTotal.Inc()
}

func IncLiveTail() {
	liveTailSubscribers.Inc()
}

func DecLiveTail() {
	liveTailSubscribers.Dec()
}

func IncLiveTailDropped() {
	liveTailDroppedTotal.Inc()
}

func AddSwept(kind string, n int64) {
	if n > 0 {
		sweptTotal.WithLabelValues(kind).Add(float64(n))
	}
}
