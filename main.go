package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiotunnel/aiotunnel/share"
)

var help = `
  Usage: aiotunnel [command] [--help]

  Version: ` + share.BuildVersion + `

  Commands:
    server - runs aiotunnel in server mode
    client - runs aiotunnel in client mode

`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-sig:
			log.Printf("signal received; cancelling main ctx")
		case <-ctx.Done():
		}
		signal.Stop(sig)
		cancel()
	}
}

func main() {
	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()
	version := flag.Bool("version", false, "")
	v := flag.Bool("v", false, "")
	flag.Bool("help", false, "")
	flag.Bool("h", false, "")
	flag.Usage = func() {}
	flag.Parse()

	if *version || *v {
		fmt.Println(share.BuildVersion)
		os.Exit(1)
	}

	args := flag.Args()

	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "server":
		go sigIntHandler(ctx, ctxCancel)
		runServer(ctx, args)
		log.Printf("Exiting tunnel server")
	case "client":
		go sigIntHandler(ctx, ctxCancel)
		runClient(ctx, args)
		log.Printf("Exiting tunnel client")
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

var commonHelp = `
    -v, --verbose, Run with more logs

    --config, Path to a JSON config file ({"log_level": "...", "backoff_max":
    "..."}); watched and hot-reloaded for the lifetime of the process.

    --base, HTTP route prefix shared by both sides of the tunnel (defaults to
    /aiotunnel).

    --ca, --cert, --key, TLS material. Server: --cert/--key enable HTTPS, and
    --ca additionally requires client certificates signed by that CA. Client:
    --ca replaces the system roots for verifying the server, --cert/--key
    present a client certificate; an https --server URL selects HTTPS.

    --help, This help text

  Environment variables:

    LOGPATH, directory to additionally log to as "aiotunnel.log" (defaults to
    the working directory).

    LOG_FORMAT, set to "bare" to drop the timestamp prefix from log lines.

    LOGLEVEL, default log level (panic, fatal, error, warning, info, debug,
    trace); overridden by -v/--verbose and by a config file's "log_level".
`

// newLogLevel resolves the effective startup log level. Precedence, highest
// first: -v/--verbose, the config file's "log_level" (falling back to the
// LOGLEVEL environment variable baked into cfg's default when no config file
// overrides it — see share.NewLoggerFromEnv).
func newLogLevel(verbose bool, cfg *share.Config) share.LogLevel {
	if verbose {
		return share.LogLevelDebug
	}
	if cfg != nil {
		return cfg.LogLevel()
	}
	return share.LogLevelInfo
}

var serverHelp = `
  Usage: aiotunnel server [options]

  Options:

    --host, HTTP listening host (defaults to the HOST environment variable,
    falling back to 0.0.0.0).

    --port, HTTP listening port (defaults to the PORT environment variable,
    falling back to 8443 if --cert supplies a server certificate, or 8080
    otherwise).

    --reverse, Accept reverse-mode POSTs: the target address in the POST
    body is bound as a listener rather than dialed.
` + commonHelp

func runServer(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)

	host := flags.String("host", "", "")
	port := flags.String("port", "", "")
	base := flags.String("base", "/aiotunnel", "")
	reverse := flags.Bool("reverse", false, "")
	ca := flags.String("ca", "", "")
	cert := flags.String("cert", "", "")
	key := flags.String("key", "", "")
	configPath := flags.String("config", "", "")
	verbose := flags.Bool("v", false, "")
	flags.BoolVar(verbose, "verbose", false, "")

	flags.Usage = func() {
		fmt.Print(serverHelp)
		os.Exit(1)
	}
	flags.Parse(args)

	if *host == "" {
		*host = os.Getenv("HOST")
	}
	if *host == "" {
		*host = "0.0.0.0"
	}
	// Per spec.md §6, the default port follows the default scheme: 8443
	// (https) once a server certificate is supplied, 8080 (http) otherwise.
	// ServerTLSConfig serves HTTPS only when --cert is given.
	hasTLS := *cert != ""
	if *port == "" {
		*port = os.Getenv("PORT")
	}
	if *port == "" {
		if hasTLS {
			*port = "8443"
		} else {
			*port = "8080"
		}
	}

	logger, logCloser := share.NewLoggerFromEnv("server", share.LogLevelInfo)
	defer logCloser.Close()

	cfg, err := share.LoadConfig(logger, *configPath, logger.GetLogLevel(), 5*time.Minute, *verbose)
	if err != nil {
		log.Fatalf("cannot load config %q: %s", *configPath, err)
	}
	defer cfg.Close()
	logger.SetLogLevel(newLogLevel(*verbose, cfg))

	tlsConfig, err := share.ServerTLSConfig(share.TLSMaterial{CAFile: *ca, CertFile: *cert, KeyFile: *key})
	if err != nil {
		log.Fatalf("cannot build TLS config: %s", err)
	}

	s := share.NewServer(logger, share.ServerConfig{
		BasePath:  *base,
		Reverse:   *reverse,
		TLSConfig: tlsConfig,
		Debug:     logger.GetLogLevel() >= share.LogLevelDebug,
	})
	if err := s.Run(ctx, *host+":"+*port); err != nil {
		log.Printf("tunnel server exited with: %s -- closing", err)
		s.Close()
		if ctx.Err() == nil {
			os.Exit(1)
		}
	}
}

var clientHelp = `
  Usage: aiotunnel client [options]

  Options:

    --server, Base URL of the tunnel server, e.g. https://host:8080 (the
    --base path is appended automatically).

    --listen-host, --listen-port, The local side of the tunnel: in forward
    mode, the address this process listens on for incoming connections; in
    reverse mode, the address of the local service being exposed.

    --target-host, --target-port, The address carried to the server in the
    POST body: in forward mode, the target the server should dial; in
    reverse mode, the address the server should listen on for external
    callers.

    --reverse, Run in reverse mode: dial --listen-host:--listen-port locally
    and ask the server to expose --target-host:--target-port.

    --backoff, Maximum retry interval between reconnect attempts (defaults
    to 5m).
` + commonHelp

func runClient(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("client", flag.ContinueOnError)

	server := flags.String("server", "", "")
	base := flags.String("base", "/aiotunnel", "")
	listenHost := flags.String("listen-host", "0.0.0.0", "")
	listenPort := flags.String("listen-port", "", "")
	targetHost := flags.String("target-host", "", "")
	targetPort := flags.String("target-port", "", "")
	reverse := flags.Bool("reverse", false, "")
	backoffMax := flags.Duration("backoff", 5*time.Minute, "")
	ca := flags.String("ca", "", "")
	cert := flags.String("cert", "", "")
	key := flags.String("key", "", "")
	configPath := flags.String("config", "", "")
	verbose := flags.Bool("v", false, "")
	flags.BoolVar(verbose, "verbose", false, "")

	flags.Usage = func() {
		fmt.Print(clientHelp)
		os.Exit(1)
	}
	flags.Parse(args)

	if *server == "" {
		log.Fatalf("--server is required")
	}
	if *listenPort == "" || *targetHost == "" || *targetPort == "" {
		log.Fatalf("--listen-port, --target-host and --target-port are required")
	}

	logger, logCloser := share.NewLoggerFromEnv("client", share.LogLevelInfo)
	defer logCloser.Close()

	cfg, err := share.LoadConfig(logger, *configPath, logger.GetLogLevel(), *backoffMax, *verbose)
	if err != nil {
		log.Fatalf("cannot load config %q: %s", *configPath, err)
	}
	defer cfg.Close()
	logger.SetLogLevel(newLogLevel(*verbose, cfg))

	tlsConfig, err := share.ClientTLSConfig(share.TLSMaterial{CAFile: *ca, CertFile: *cert, KeyFile: *key})
	if err != nil {
		log.Fatalf("cannot build TLS config: %s", err)
	}

	c := share.NewClient(logger, share.ClientConfig{
		BaseURL:    *server + *base,
		Reverse:    *reverse,
		LocalAddr:  share.TargetAddr{Host: *listenHost, Port: *listenPort},
		RemoteAddr: share.TargetAddr{Host: *targetHost, Port: *targetPort},
		TLSConfig:  tlsConfig,
		// BackoffMax is a method value, so each retry re-reads the live,
		// possibly hot-reloaded config instead of a value snapshotted here.
		BackoffMax: cfg.BackoffMax,
	})
	if err := c.Run(ctx); err != nil {
		log.Printf("tunnel client exited with error: %s, closing", err)
		c.Close()
		if ctx.Err() == nil {
			os.Exit(1)
		}
	}
}
