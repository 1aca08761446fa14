package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bluesky-social/atoauth/atproto/auth/oauth"
	"github.com/bluesky-social/atoauth/atproto/crypto"
	"github.com/bluesky-social/atoauth/atproto/identity"
	"github.com/bluesky-social/atoauth/atproto/syntax"
	"github.com/bluesky-social/atoauth/util/cliutil"
	"github.com/bluesky-social/atoauth/util/svcutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "oauthd",
		Usage:   "atproto OAuth client daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"OAUTHD_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "plc-host",
			Usage:   "method, hostname, and port of PLC registry",
			Value:   identity.DefaultPLCURL,
			EnvVars: []string{"ATP_PLC_HOST"},
		},
		&cli.IntFlag{
			Name:    "plc-rate-limit",
			Usage:   "max number of requests per second to PLC registry",
			Value:   100,
			EnvVars: []string{"OAUTHD_PLC_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "doh-service-url",
			Usage:   "DNS-over-HTTPS service for handle resolution (empty to use system DNS)",
			Value:   identity.DefaultDoHURL,
			EnvVars: []string{"DOH_SERVICE_URL"},
		},
		&cli.IntFlag{
			Name:    "resolver-retries",
			Usage:   "retry count for identity resolution HTTP requests (0 disables retries)",
			Value:   0,
			EnvVars: []string{"OAUTHD_RESOLVER_RETRIES"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL, used for identity caching and the 'redis' state store",
			EnvVars: []string{"OAUTHD_REDIS_URL", "REDIS_URL"},
		},
		&cli.IntFlag{
			Name:    "resolver-cache-size",
			Usage:   "maximum number of entries in the in-process identity cache",
			Value:   1000,
			EnvVars: []string{"OAUTHD_RESOLVER_CACHE_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "handle-cache-ttl",
			Usage:   "how long resolved handles are cached",
			Value:   10 * time.Minute,
			EnvVars: []string{"OAUTHD_HANDLE_CACHE_TTL"},
		},
		&cli.DurationFlag{
			Name:    "did-cache-ttl",
			Usage:   "how long resolved DID documents are cached",
			Value:   time.Hour,
			EnvVars: []string{"OAUTHD_DID_CACHE_TTL"},
		},
	}

	app.Commands = []*cli.Command{
		serveCmd,
		generateKeyCmd,
		resolveCmd,
	}

	return app.Run(args)
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the OAuth client web service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "base-url",
			Usage:    "public base URL of this service (https, or http on loopback for development)",
			Required: true,
			EnvVars:  []string{"URL_BASE", "OAUTHD_BASE_URL"},
		},
		&cli.StringSliceFlag{
			Name:    "private-key",
			Usage:   "client signing key (PEM or multibase); first is active, others are published for rotation",
			EnvVars: []string{"PRIVATE_KEY_1", "OAUTHD_PRIVATE_KEYS"},
		},
		&cli.StringFlag{
			Name:    "private-key-file",
			Usage:   "path to a private JWK file, used in addition to any --private-key values",
			EnvVars: []string{"OAUTHD_PRIVATE_KEY_FILE"},
		},
		&cli.StringSliceFlag{
			Name:    "scope",
			Usage:   "OAuth scopes to request ('atproto' is always included)",
			Value:   cli.NewStringSlice("atproto", "transition:generic"),
			EnvVars: []string{"OAUTHD_SCOPES"},
		},
		&cli.StringFlag{
			Name:    "client-name",
			Usage:   "human-readable client name for the client metadata document",
			EnvVars: []string{"OAUTHD_CLIENT_NAME"},
		},
		&cli.StringFlag{
			Name:    "default-signin-url",
			Usage:   "PDS or entryway URL used when sign-in is requested without an account identifier (empty to require one)",
			Value:   "https://bsky.social",
			EnvVars: []string{"OAUTHD_DEFAULT_SIGNIN_URL"},
		},
		&cli.StringFlag{
			Name:    "session-secret",
			Usage:   "secret for signing browser session cookies (random if not set)",
			EnvVars: []string{"OAUTHD_SESSION_SECRET", "SESSION_SECRET"},
		},
		&cli.StringFlag{
			Name:    "state-store",
			Usage:   "where pending auth requests are kept: memory, redis, postgres, sqlite",
			Value:   "memory",
			EnvVars: []string{"OAUTHD_STATE_STORE"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string for the postgres or sqlite state store",
			Value:   "sqlite://data/oauthd/state.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"OAUTHD_MAX_DB_CONNECTIONS"},
			Value:   20,
		},
		&cli.DurationFlag{
			Name:    "state-ttl",
			Usage:   "how long a pending auth request remains valid",
			Value:   oauth.DefaultStateTTL,
			EnvVars: []string{"OAUTHD_STATE_TTL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":8080",
			EnvVars: []string{"OAUTHD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"OAUTHD_METRICS_LISTEN"},
		},
	},
	Action: runServe,
}

func runServe(cctx *cli.Context) error {
	logger := svcutil.ConfigLogger(cctx, os.Stdout)

	// Enable OTLP HTTP exporter
	// For relevant environment variables:
	// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
	// At a minimum, you need to set
	// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		shutdown, err := setupTracing(cctx.Context, ep)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	keys, err := loadKeySet(cctx.StringSlice("private-key"), cctx.String("private-key-file"))
	if err != nil {
		return err
	}

	config, err := oauth.NewClientConfig(cctx.String("base-url"), cctx.StringSlice("scope"))
	if err != nil {
		return err
	}
	config.ClientName = cctx.String("client-name")

	resolver, err := configResolver(cctx)
	if err != nil {
		return err
	}

	store, err := configStateStore(cctx)
	if err != nil {
		return err
	}

	srv, err := NewServer(Config{
		Logger:     logger,
		Bind:       cctx.String("bind"),
		ClientConf: config,
		Keys:       keys,
		Resolver:   resolver,
		Store:      store,

		SessionSecret:    []byte(cctx.String("session-secret")),
		DefaultSigninURL: cctx.String("default-signin-url"),
	})
	if err != nil {
		return err
	}

	go func() {
		if err := srv.RunMetrics(cctx.Context, cctx.String("metrics-listen")); err != nil {
			slog.Error("failed to start metrics endpoint", "error", err)
			panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
		}
	}()

	go runSweeper(cctx.Context, store, cctx.Duration("state-ttl"))

	return srv.RunAPI()
}

func setupTracing(ctx context.Context, endpoint string) (func(), error) {
	slog.Info("setting up trace exporter", "endpoint", endpoint)

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("oauthd"),
			attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
			attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
		)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown trace exporter", "error", err)
		}
	}, nil
}

var generateKeyCmd = &cli.Command{
	Name:  "generate-key",
	Usage: "create a new P-256 client signing key, printed as PEM and multibase",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "jwk-file",
			Usage: "also save the key as a private JWK at this path (usable with --private-key-file)",
		},
		&cli.StringFlag{
			Name:  "key-id",
			Usage: "'kid' to use in the JWK file",
		},
	},
	Action: runGenerateKey,
}

func runGenerateKey(cctx *cli.Context) error {
	var priv *crypto.PrivateKeyP256
	if p := cctx.String("jwk-file"); p != "" {
		if err := cliutil.GenerateKeyToFile(p, cctx.String("key-id")); err != nil {
			return err
		}
		k, _, err := cliutil.LoadKeyFromFile(p)
		if err != nil {
			return err
		}
		priv = k
		fmt.Fprintf(cctx.App.ErrWriter, "wrote JWK: %s\n", p)
	} else {
		k, err := crypto.GeneratePrivateKeyP256()
		if err != nil {
			return err
		}
		priv = k
	}

	pemBytes, err := priv.PEM()
	if err != nil {
		return err
	}
	w := cctx.App.Writer
	fmt.Fprint(w, string(pemBytes))
	fmt.Fprintf(w, "multibase: %s\n", priv.Multibase())
	return nil
}

var resolveCmd = &cli.Command{
	Name:      "resolve",
	Usage:     "resolve an account identifier to its PDS and OAuth authorization server",
	ArgsUsage: "<handle-or-did>",
	Action:    runResolve,
}

func runResolve(cctx *cli.Context) error {
	ctx := cctx.Context
	svcutil.ConfigLogger(cctx, os.Stderr)

	raw := cctx.Args().First()
	if raw == "" {
		return fmt.Errorf("need to provide identifier as an argument")
	}
	atid, err := syntax.ParseAtIdentifier(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", oauth.ErrInvalidIdentifier, err)
	}

	resolver, err := configResolver(cctx)
	if err != nil {
		return err
	}
	ident, err := identity.Lookup(ctx, resolver, atid)
	if err != nil {
		return err
	}

	disco := oauth.NewDiscoverer(nil, oauth.DefaultMetadataTTL)
	issuer, err := disco.ResolveAuthServerURL(ctx, ident.PDSEndpoint)
	if err != nil {
		return err
	}
	meta, err := disco.ResolveAuthServerMetadata(ctx, issuer)
	if err != nil {
		return err
	}

	w := cctx.App.Writer
	fmt.Fprintf(w, "did: %s\n", ident.DID)
	fmt.Fprintf(w, "handle: %s\n", ident.Handle)
	fmt.Fprintf(w, "pds: %s\n", ident.PDSEndpoint)
	fmt.Fprintf(w, "issuer: %s\n", meta.Issuer)
	fmt.Fprintf(w, "par_required: %t\n", meta.RequirePushedAuthorizationRequests)
	return nil
}
