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

// Package mongots provides a thin document mapping layer over the MongoDB Go driver.
//
// A [Conn] lazily establishes and caches one driver client.
// A [Collection] binds a named collection of that database and forwards
// CRUD, read, and index operations to the driver after light reshaping
// of filter and update documents (see [Deep]).
//
// All query and update operators are evaluated by the server.
package mongots

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/alexcorvi/mongots/build/version"
	"github.com/alexcorvi/mongots/internal/opmetrics"
	"github.com/alexcorvi/mongots/internal/util/lazyerrors"
	"github.com/alexcorvi/mongots/internal/util/logging"
)

const defaultServerSelectionTimeout = 5 * time.Second

var (
	// ErrEmptyURL is returned by Connect when neither URL nor Client is set.
	ErrEmptyURL = errors.New("mongots: connection URL is empty")

	// ErrEmptyDB is returned by Connect when the database name is empty.
	ErrEmptyDB = errors.New("mongots: database name is empty")

	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("mongots: connection is closed")

	// ErrNameMismatch is returned by destructive operations
	// when the confirmation name does not match the target.
	ErrNameMismatch = errors.New("mongots: name does not match")

	// ErrNotFound is returned by ReadOne when no document matches the filter.
	ErrNotFound = errors.New("mongots: no documents")

	// ErrEmptyUpdate is returned by update operations without update document.
	ErrEmptyUpdate = errors.New("mongots: update document is empty")
)

// ConnectOpts represents [Connect] options.
type ConnectOpts struct {
	// URL is MongoDB connection string. Required unless Client is set.
	URL string

	// DB is the database name. Required.
	DB string

	// Client is a pre-built driver client that is used as is.
	// Conn does not disconnect it on Close.
	Client *mongo.Client

	// ClientOptions are merged after options derived from URL and fields below.
	ClientOptions *options.ClientOptions

	ServerSelectionTimeout time.Duration
	MaxPoolSize            uint64
	AppName                string

	// Logger is used for operation and connection logging; nop by default.
	Logger *zap.Logger

	// DriverLogLevel, if set, routes driver logs of all components into Logger.
	DriverLogLevel options.LogLevel

	// Metrics collects operation and driver command metrics; created if nil.
	Metrics *opmetrics.Metrics

	// Tracing attaches OpenTelemetry command monitor to the driver client.
	Tracing bool
}

// Conn lazily establishes one driver client and database handle and caches them.
//
// It is safe for concurrent use.
type Conn struct {
	opts   ConnectOpts
	l      *zap.Logger
	m      *opmetrics.Metrics
	tracer trace.Tracer

	rw     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
	owned  bool // client was created by Conn
	closed bool
}

// Connect validates options and returns a new Conn.
//
// The connection is established lazily by the first operation that needs it,
// or explicitly by [Conn.Database] or [Conn.Ping].
func Connect(opts *ConnectOpts) (*Conn, error) {
	if opts == nil {
		opts = new(ConnectOpts)
	}

	if opts.Client == nil && opts.URL == "" {
		return nil, ErrEmptyURL
	}

	if opts.DB == "" {
		return nil, ErrEmptyDB
	}

	c := &Conn{
		opts:   *opts,
		l:      opts.Logger,
		m:      opts.Metrics,
		tracer: otel.Tracer("github.com/alexcorvi/mongots"),
	}

	if c.l == nil {
		c.l = zap.NewNop()
	}

	c.l = c.l.Named("mongots").With(zap.String("db", opts.DB))

	if c.m == nil {
		c.m = opmetrics.NewMetrics()
	}

	if opts.Client != nil {
		c.client = opts.Client
		c.db = opts.Client.Database(opts.DB)
	}

	return c, nil
}

// DBName returns the configured database name.
func (c *Conn) DBName() string {
	return c.opts.DB
}

// MetricsCollector returns Prometheus metrics collector for that connection.
func (c *Conn) MetricsCollector() prometheus.Collector {
	return c.m
}

// Database returns the cached database handle, connecting first if needed.
//
// Concurrent callers share a single connection attempt.
// A failed attempt is not cached; the next call tries again.
func (c *Conn) Database(ctx context.Context) (*mongo.Database, error) {
	c.rw.RLock()
	db, closed := c.db, c.closed
	c.rw.RUnlock()

	if closed {
		return nil, ErrClosed
	}

	if db != nil {
		return db, nil
	}

	c.rw.Lock()
	defer c.rw.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if c.db != nil {
		return c.db, nil
	}

	ctx, span := c.tracer.Start(ctx, "mongots.connect", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "mongodb"), attribute.String("db.name", c.opts.DB))

	if err := c.connectLocked(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		c.l.Warn("Connection failed", zap.Error(err))

		return nil, err
	}

	return c.db, nil
}

// connectLocked creates and pings a new driver client.
// The caller must hold c.rw for writing.
func (c *Conn) connectLocked(ctx context.Context) error {
	start := time.Now()

	opts := options.Client().ApplyURI(c.opts.URL)

	timeout := c.opts.ServerSelectionTimeout
	if timeout <= 0 {
		timeout = defaultServerSelectionTimeout
	}

	opts.SetServerSelectionTimeout(timeout)

	if c.opts.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(c.opts.MaxPoolSize)
	}

	appName := c.opts.AppName
	if appName == "" {
		appName = "mongots/" + version.Get().Version
	}

	opts.SetAppName(appName)

	var next *event.CommandMonitor
	if c.opts.Tracing {
		next = otelmongo.NewMonitor()
	}

	opts.SetMonitor(c.m.CommandMonitor(next))

	if c.opts.DriverLogLevel > 0 {
		opts.SetLoggerOptions(
			options.Logger().
				SetSink(logging.NewDriverSink(c.l.Named("driver"))).
				SetComponentLevel(options.LogComponentAll, c.opts.DriverLogLevel),
		)
	}

	all := []*options.ClientOptions{opts}
	if c.opts.ClientOptions != nil {
		all = append(all, c.opts.ClientOptions)
	}

	client, err := mongo.Connect(ctx, all...)
	if err != nil {
		return lazyerrors.Error(err)
	}

	if err = client.Ping(ctx, readpref.Primary()); err != nil {
		if dErr := client.Disconnect(ctx); dErr != nil {
			c.l.Warn("Failed to disconnect after ping failure", zap.Error(dErr))
		}

		return lazyerrors.Error(err)
	}

	c.client = client
	c.db = client.Database(c.opts.DB)
	c.owned = true

	c.l.Info("Connected", zap.String("app", appName), zap.Duration("took", time.Since(start)))

	return nil
}

// Ping connects if needed and checks that the primary is reachable.
func (c *Conn) Ping(ctx context.Context) error {
	db, err := c.Database(ctx)
	if err != nil {
		return err
	}

	if err = db.Client().Ping(ctx, readpref.Primary()); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// Close disconnects the driver client if Conn created it.
// Subsequent operations return [ErrClosed].
func (c *Conn) Close(ctx context.Context) error {
	c.rw.Lock()
	defer c.rw.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	client, owned := c.client, c.owned
	c.client, c.db = nil, nil

	if client == nil || !owned {
		return nil
	}

	if err := client.Disconnect(ctx); err != nil {
		return lazyerrors.Error(err)
	}

	c.l.Info("Disconnected")

	return nil
}

// ListCollectionNames returns names of collections in the database matching the filter.
func (c *Conn) ListCollectionNames(ctx context.Context, filter bson.M) (names []string, err error) {
	ctx, done := c.startOp(ctx, "", "listCollectionNames")
	defer func() { done(err) }()

	db, err := c.Database(ctx)
	if err != nil {
		return nil, err
	}

	if filter == nil {
		filter = bson.M{}
	}

	if names, err = db.ListCollectionNames(ctx, filter); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return names, nil
}

// DropDatabase drops the whole database.
// The name must match the configured database name, otherwise [ErrNameMismatch] is returned.
func (c *Conn) DropDatabase(ctx context.Context, name string) (err error) {
	ctx, done := c.startOp(ctx, "", "dropDatabase")
	defer func() { done(err) }()

	if name != c.opts.DB {
		return ErrNameMismatch
	}

	db, err := c.Database(ctx)
	if err != nil {
		return err
	}

	if err = db.Drop(ctx); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// startOp starts tracing of a single operation.
// The returned function records the result and must be called exactly once.
func (c *Conn) startOp(ctx context.Context, collection, operation string) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "mongots."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "mongodb"),
		attribute.String("db.name", c.opts.DB),
		attribute.String("db.operation", operation),
	)

	if collection != "" {
		span.SetAttributes(attribute.String("db.mongodb.collection", collection))
	}

	return ctx, func(err error) {
		d := time.Since(start)
		res := result(err)

		c.m.Observe(collection, operation, d, res)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, res)
		}

		span.End()

		if ce := c.l.Check(zap.DebugLevel, "Operation finished"); ce != nil {
			ce.Write(
				zap.String("collection", collection),
				zap.String("operation", operation),
				zap.String("result", res),
				zap.Duration("took", d),
				zap.Error(err),
			)
		}
	}
}

// result returns metrics label for the operation error.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNameMismatch):
		return "name_mismatch"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), mongo.IsTimeout(err):
		return "timeout"
	case mongo.IsDuplicateKeyError(err):
		return "duplicate_key"
	case mongo.IsNetworkError(err):
		return "network"
	default:
		return "error"
	}
}
