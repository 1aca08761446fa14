package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bluesky-social/atoauth/atproto/auth/oauth"
	"github.com/bluesky-social/atoauth/atproto/identity"
	"github.com/bluesky-social/atoauth/pkg/metrics"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const sessionCookieName = "oauthd"

type Server struct {
	echo    *echo.Echo
	httpd   *http.Server
	app     *oauth.ClientApp
	cookies *sessions.CookieStore
	logger  *slog.Logger

	defaultSigninURL string
}

type Config struct {
	Logger     *slog.Logger
	Bind       string
	ClientConf *oauth.ClientConfig
	Keys       *oauth.KeySet
	Resolver   identity.Resolver
	Store      oauth.StateStore

	// Secret for signing browser session cookies. A random secret is generated if empty, so sessions do not survive restarts.
	SessionSecret []byte

	// PDS or entryway URL to sign in with when no account identifier is given. Empty means an identifier is required.
	DefaultSigninURL string

	// Overrides the HTTP client used for auth server requests. Mostly for testing.
	HTTPClient *http.Client
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	app, err := oauth.NewClientApp(config.ClientConf, config.Keys, config.Resolver, config.Store)
	if err != nil {
		return nil, err
	}
	app.Logger = logger.With("component", "oauth-client")
	app.Discoverer.Logger = logger.With("component", "oauth-discovery")
	if config.HTTPClient != nil {
		app.SetHTTPClient(config.HTTPClient)
	} else {
		client := *app.Client
		client.Transport = otelhttp.NewTransport(client.Transport)
		app.SetHTTPClient(&client)
	}

	renderer, err := NewRenderer(TemplateFS)
	if err != nil {
		return nil, err
	}

	secret := config.SessionSecret
	if len(secret) == 0 {
		logger.Warn("no session secret configured, generating an ephemeral one")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
	}
	cookies := sessions.NewCookieStore(secret)
	cookies.Options.HttpOnly = true
	cookies.Options.SameSite = http.SameSiteLaxMode
	cookies.Options.Secure = strings.HasPrefix(config.ClientConf.BaseURL, "https://")

	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		echo:    e,
		app:     app,
		cookies: cookies,
		logger:  logger,

		defaultSigninURL: config.DefaultSigninURL,
	}
	srv.httpd = &http.Server{
		Handler:        otelhttp.NewHandler(srv, "oauthd"),
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("oauthd"))
	e.Use(middleware.BodyLimit("64K"))
	e.HTTPErrorHandler = srv.errorHandler
	e.Renderer = renderer
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		HSTSMaxAge:         31536000, // 365 days
	}))

	e.GET("/", srv.WebHome)
	e.GET("/_health", srv.HandleHealthCheck)
	e.GET("/signin", srv.HandleSignin)
	e.POST("/signin", srv.HandleSignin)
	e.GET("/callback", srv.HandleCallback)
	e.GET("/logout", srv.HandleLogout)
	e.GET("/client-metadata.json", srv.HandleClientMetadata)
	e.GET("/.well-known/jwks.json", srv.HandleJWKS)

	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) RunAPI() error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr, "clientID", srv.app.Config.ClientID)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	// Wait for a signal to exit.
	srv.logger.Info("registering OS exit signal handler")
	quit := make(chan struct{})
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-exitSignals
		srv.logger.Info("received OS exit signal", "signal", sig)

		if err := srv.Shutdown(); err != nil {
			srv.logger.Error("HTTP server shutdown error", "err", err)
		}

		close(quit)
	}()
	<-quit
	srv.logger.Info("graceful shutdown complete")
	return nil
}

func (srv *Server) RunMetrics(ctx context.Context, listen string) error {
	return metrics.RunServer(ctx, listen, versioninfo.Short())
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}

type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Maps an error kind from the OAuth engine to an HTTP status code.
func statusForError(err error) int {
	if oauth.IsTimeout(err) {
		return http.StatusGatewayTimeout
	}
	switch oauth.ErrorKind(err) {
	case "InvalidIdentifier", "InvalidCallback", "InvalidOrExpiredState":
		return http.StatusBadRequest
	case "AuthorizationDenied":
		return http.StatusForbidden
	case "ResolutionFailure", "NoServiceEndpoint", "DiscoveryFailure", "IssuerMismatch",
		"UnsupportedServer", "RequestRejected", "TokenExchangeFailure", "InvalidTokenResponse":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (srv *Server) oauthError(c echo.Context, err error) error {
	code := statusForError(err)
	kind := oauth.ErrorKind(err)
	if code >= 500 {
		srv.logger.Warn("oauth request failed", "kind", kind, "err", err)
	} else {
		srv.logger.Info("oauth request rejected", "kind", kind, "err", err)
	}
	msg := err.Error()
	if kind == "Internal" {
		msg = "internal server error"
	}
	return c.JSON(code, ErrorBody{Error: kind, Message: msg})
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("oauthd-http-internal-error", "err", err)
		errorMessage = "internal server error"
	}
	kind := "InvalidRequest"
	if code == http.StatusNotFound {
		kind = "NotFound"
	} else if code >= 500 {
		kind = "Internal"
	}
	if c.Response().Committed {
		return
	}
	c.JSON(code, ErrorBody{Error: kind, Message: errorMessage})
}
