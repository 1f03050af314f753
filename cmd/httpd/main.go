package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/nczempin/httpd-go-epoll/server"
	"github.com/nczempin/httpd-go-epoll/transport"
)

const usage = `httpd - a single-threaded epoll HTTP/1.1 server

Usage:
  httpd [options]

Options:
  -addr <host|path>  listen address, or socket path with -network unix (env HTTPD_ADDR)
  -port <port>       listen port (env HTTPD_PORT)
  -network <net>     tcp or unix
  -engine <kind>     socket i/o engine: syscall, iouring or gouring (env HTTPD_ENGINE)
  -max-body <bytes>  largest accepted request body
  -path <path>       route the sample handler is registered on
  -debug             log at debug level

The OTLP exporters are enabled by OTEL_EXPORTER_OTLP_ENDPOINT.
`

type options struct {
	addr    string
	port    int
	network string
	engine  string
	maxBody int
	path    string
	debug   bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("httpd", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	fs.StringVar(&opts.addr, "addr", envOr("HTTPD_ADDR", "0.0.0.0"), "")
	fs.IntVar(&opts.port, "port", envIntOr("HTTPD_PORT", 8080), "")
	fs.StringVar(&opts.network, "network", "tcp", "")
	fs.StringVar(&opts.engine, "engine", envOr("HTTPD_ENGINE", string(transport.EngineSyscall)), "")
	fs.IntVar(&opts.maxBody, "max-body", 2<<20, "")
	fs.StringVar(&opts.path, "path", "/", "")
	fs.BoolVar(&opts.debug, "debug", false, "")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := run(context.Background(), opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) (err error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	setupPropagation()
	logger, shutdown, err := newLogger(ctx, level)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := shutdown(sctx); serr != nil && err == nil {
			err = serr
		}
	}()

	srv := server.New(opts.addr, opts.port,
		server.WithLogger(logger),
		server.WithPropagator(otel.GetTextMapPropagator()),
		server.WithNetwork(opts.network),
		server.WithIOEngine(transport.EngineKind(opts.engine)),
		server.WithMaxBodyBytes(opts.maxBody),
	)
	registerDemo(srv, opts.path)

	return srv.Start(ctx)
}
