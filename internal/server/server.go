package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/brpaz/echozap"
	"github.com/cirruslabs/cloudmirror/internal/mirror"
	"github.com/cirruslabs/cloudmirror/internal/opentelemetry"
	"github.com/cirruslabs/cloudmirror/internal/validate"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Service and region path tokens; pool ids themselves are stricter
// (lower-case), unknown combinations simply miss the pool lookup.
var tokenRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,22}$`)

type Server struct {
	listener net.Listener
	echo     *echo.Echo

	managers  *xsync.MapOf[string, *mirror.Manager]
	validator *validate.Validator
	maxWait   time.Duration
	pollDelay time.Duration

	logger  *zap.SugaredLogger
	metrics *mirror.Metrics

	requestsCounter metric.Int64Counter
}

type Option func(server *Server)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(server *Server) {
		server.logger = logger
	}
}

func WithMetrics(metrics *mirror.Metrics) Option {
	return func(server *Server) {
		server.metrics = metrics
	}
}

// WithPollDelay overrides the pause between status polls (1s).
func WithPollDelay(pollDelay time.Duration) Option {
	return func(server *Server) {
		server.pollDelay = pollDelay
	}
}

func New(
	addr string,
	validator *validate.Validator,
	maxWait time.Duration,
	opts ...Option,
) (*Server, error) {
	server := &Server{
		managers:  xsync.NewMapOf[string, *mirror.Manager](),
		validator: validator,
		maxWait:   maxWait,
		pollDelay: time.Second,
	}

	for _, opt := range opts {
		opt(server)
	}

	if server.logger == nil {
		server.logger = zap.NewNop().Sugar()
	}

	if server.metrics == nil {
		metrics, err := mirror.NewMetrics()
		if err != nil {
			return nil, err
		}

		server.metrics = metrics
	}

	var err error

	server.requestsCounter, err = opentelemetry.DefaultMeter.Int64Counter(
		"org.cirruslabs.cloudmirror.requests.total",
	)
	if err != nil {
		return nil, err
	}

	// Listen on the desired port
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server.listener = listener

	// Configure the HTTP server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echozap.ZapLogger(server.logger.Desugar()))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/v1")
	v1.GET("/ping", server.ping)
	v1.GET("/api-reference", server.apiReference)
	v1.GET("/redirect/:service/:region/:url", server.redirect)
	v1.GET("/redirect/:service/:region/:url/*", server.malformed)
	v1.DELETE("/purge/:service/:region/:url", server.purge)
	v1.DELETE("/purge/:service/:region/:url/*", server.malformed)

	server.echo = e

	return server, nil
}

// RegisterManager wires in the cache manager of one pool. Registering
// the same pool twice is a misconfiguration that must stop the process
// before it starts serving.
func (server *Server) RegisterManager(manager *mirror.Manager) error {
	if _, loaded := server.managers.LoadOrStore(manager.Pool().ID(), manager); loaded {
		return fmt.Errorf("pool %q is registered more than once", manager.Pool().ID())
	}

	return nil
}

func (server *Server) Addr() string {
	return strings.ReplaceAll(server.listener.Addr().String(), "[::]", "127.0.0.1")
}

func (server *Server) Run(ctx context.Context) error {
	server.logger.Infof("listening on %s", server.Addr())

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = server.echo.Shutdown(shutdownCtx)
	}()

	server.echo.Listener = server.listener

	if err := server.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (server *Server) manager(service string, region string) (*mirror.Manager, bool) {
	return server.managers.Load(service + "_" + region)
}

func (server *Server) countRequest(c echo.Context, operation string) {
	server.requestsCounter.Add(c.Request().Context(), 1, metric.WithAttributes(
		attribute.String("method", c.Request().Method),
		attribute.String("operation", operation),
	))
}
