// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command mongots runs collection operations against a MongoDB database.
//
// Filters, updates, and documents are given as Extended JSON;
// results are printed as relaxed Extended JSON, one document per line.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "golang.org/x/crypto/x509roots/fallback" // register root TLS certificates for minimal container images

	"github.com/alexcorvi/mongots/build/version"
	"github.com/alexcorvi/mongots/internal/opmetrics"
	"github.com/alexcorvi/mongots/internal/util/ctxutil"
	"github.com/alexcorvi/mongots/internal/util/debug"
	"github.com/alexcorvi/mongots/internal/util/logging"
	"github.com/alexcorvi/mongots/internal/util/must"
	"github.com/alexcorvi/mongots/internal/util/observability"
	"github.com/alexcorvi/mongots/mongots"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:lll // some tags are long
var cli struct {
	URL            string        `default:"mongodb://127.0.0.1:27017/" help:"MongoDB connection string."`
	DB             string        `default:"test"                       help:"Database name."`
	Timeout        time.Duration `default:"30s"                        help:"Timeout for the whole command."`
	ConnectRetries int           `default:"0"                          help:"Number of additional connection attempts."`
	RetryDelay     time.Duration `default:"1s"                         help:"Delay between connection attempts."`
	DebugAddr      string        `default:"-"                          help:"Listen address for HTTP handlers for metrics, pprof, etc."`
	DumpMetrics    bool          `default:"false"                      help:"Dump Prometheus metrics to stderr on exit."`

	Log struct {
		Level  string `default:"${default_log_level}" help:"${help_log_level}"`
		Format string `default:"console"              help:"${help_log_format}" enum:"${enum_log_format}"`
		Driver bool   `default:"false"                help:"Log driver messages at debug level."`
	} `embed:"" prefix:"log-"`

	OTel struct {
		Endpoint string `default:"" help:"OTLP/HTTP traces endpoint (host:port); tracing is disabled if empty."`
	} `embed:"" prefix:"otel-"`

	Read        readCmd        `cmd:"" help:"Print documents matching the filter."`
	Count       countCmd       `cmd:"" help:"Print the number of documents matching the filter."`
	Distinct    distinctCmd    `cmd:"" help:"Print distinct values of the key."`
	Insert      insertCmd      `cmd:"" help:"Insert documents."`
	Update      updateCmd      `cmd:"" help:"Update documents matching the filter."`
	Upsert      upsertCmd      `cmd:"" help:"Update documents matching the filter, inserting one if none match."`
	Replace     replaceCmd     `cmd:"" help:"Replace the first document matching the filter."`
	Delete      deleteCmd      `cmd:"" help:"Delete documents matching the filter."`
	CreateIndex createIndexCmd `cmd:"" help:"Create an ascending index."`
	RemoveIndex removeIndexCmd `cmd:"" help:"Remove the ascending index on the given keys."`
	Drop        dropCmd        `cmd:"" help:"Drop the collection."`
	Rename      renameCmd      `cmd:"" help:"Rename the collection."`
	Collections collectionsCmd `cmd:"" help:"Print collection names."`
	Version     versionCmd     `cmd:"" help:"Print version."`
}

// Additional variables for the kong parsers.
var (
	logLevels = []string{
		zap.DebugLevel.String(),
		zap.InfoLevel.String(),
		zap.WarnLevel.String(),
		zap.ErrorLevel.String(),
	}

	kongOptions = []kong.Option{
		kong.Vars{
			"default_log_level": defaultLogLevel().String(),

			"enum_log_format": strings.Join(logging.Formats, ","),

			"help_log_format": fmt.Sprintf("Log format: '%s'.", strings.Join(logging.Formats, "', '")),
			"help_log_level":  fmt.Sprintf("Log level: '%s'.", strings.Join(logLevels, "', '")),
		},
		kong.DefaultEnvars("MONGOTS"),
	}
)

func main() {
	kctx := kong.Parse(&cli, kongOptions...)

	kctx.FatalIfErrorf(run(kctx))
}

// defaultLogLevel returns the default log level.
func defaultLogLevel() zapcore.Level {
	if version.Get().DebugBuild {
		return zap.DebugLevel
	}

	return zap.WarnLevel
}

// setupLogger setups zap logger.
func setupLogger() *zap.Logger {
	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		log.Fatal(err)
	}

	l := logging.Setup(level, cli.Log.Format)

	info := version.Get()
	l.Debug(
		"Starting mongots "+info.Version+"...",
		zap.String("commit", info.Commit),
		zap.String("branch", info.Branch),
		zap.Bool("dirty", info.Dirty),
		zap.Bool("debugBuild", info.DebugBuild),
	)

	return l
}

// dumpMetrics dumps all Prometheus metrics to w.
func dumpMetrics(w io.Writer, g prometheus.Gatherer) {
	mfs := must.NotFail(g.Gather())

	for _, mf := range mfs {
		must.NotFail(expfmt.MetricFamilyToText(w, mf))
	}
}

// connect returns a lazy Conn configured from flags.
func connect(l *zap.Logger, m *opmetrics.Metrics) (*mongots.Conn, error) {
	opts := &mongots.ConnectOpts{
		URL:     cli.URL,
		DB:      cli.DB,
		Logger:  l,
		Metrics: m,
		Tracing: cli.OTel.Endpoint != "",
	}

	if cli.Log.Driver {
		opts.DriverLogLevel = options.LogLevelDebug
	}

	return mongots.Connect(opts)
}

// waitForConn pings the database, retrying the given number of times.
func waitForConn(ctx context.Context, conn *mongots.Conn, retries int, delay time.Duration, l *zap.Logger) error {
	var err error

	for i := 0; ; i++ {
		if err = conn.Ping(ctx); err == nil {
			return nil
		}

		if i >= retries {
			return err
		}

		l.Sugar().Warnf("Connection attempt %d failed, retrying in %s: %s.", i+1, delay, err)

		if err = ctxutil.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// run sets up environment based on provided flags and runs the selected command.
func run(kctx *kong.Context) error {
	if kctx.Command() == "version" {
		return kctx.Run(&runContext{ctx: context.Background(), out: os.Stdout})
	}

	logger := setupLogger()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	shutdown, err := observability.SetupOtel(&observability.SetupOtelOpts{
		Service:  "mongots",
		Version:  version.Get().Version,
		Endpoint: cli.OTel.Endpoint,
	})
	if err != nil {
		return err
	}

	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Sugar().Warnf("Failed to shutdown tracer provider: %s.", err)
		}
	}()

	ctx, stop := ctxutil.SigTerm(context.Background())
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, cli.Timeout)
	defer cancel()

	metrics := opmetrics.NewMetrics()
	prometheus.DefaultRegisterer.MustRegister(metrics)

	var wg sync.WaitGroup
	defer wg.Wait()

	// https://github.com/alecthomas/kong/issues/389
	if cli.DebugAddr != "" && cli.DebugAddr != "-" {
		h, err := debug.Listen(&debug.ListenOpts{
			TCPAddr: cli.DebugAddr,
			L:       logger.Named("debug"),
			R:       prometheus.DefaultRegisterer,
			G:       prometheus.DefaultGatherer,
		})
		if err != nil {
			return err
		}

		debugCtx, debugCancel := context.WithCancel(context.Background())
		defer debugCancel()

		wg.Add(1)

		go func() {
			defer wg.Done()
			h.Serve(debugCtx)
		}()
	}

	conn, err := connect(logger, metrics)
	if err != nil {
		return err
	}

	defer func() {
		if err := conn.Close(context.Background()); err != nil {
			logger.Sugar().Warnf("Failed to close connection: %s.", err)
		}
	}()

	if err = waitForConn(ctx, conn, cli.ConnectRetries, cli.RetryDelay, logger); err != nil {
		return err
	}

	err = kctx.Run(&runContext{
		ctx:  ctx,
		conn: conn,
		out:  os.Stdout,
		l:    logger,
	})

	if cli.DumpMetrics {
		dumpMetrics(os.Stderr, prometheus.DefaultGatherer)
	}

	return err
}
