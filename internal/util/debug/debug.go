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

// Package debug provides debug facilities.
package debug

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"slices"
	"text/template"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/alexcorvi/mongots/internal/util/lazyerrors"
	"github.com/alexcorvi/mongots/internal/util/must"
)

// Handler represents debug handler.
type Handler struct {
	opts    *ListenOpts
	lis     net.Listener
	handler http.Handler
}

// ListenOpts represents [Listen] options.
type ListenOpts struct {
	TCPAddr string
	L       *zap.Logger
	R       prometheus.Registerer
	G       prometheus.Gatherer
}

// Listen creates a new debug handler and starts listener on the given TCP address.
func Listen(opts *ListenOpts) (*Handler, error) {
	must.NotBeZero(opts)

	h, err := newHTTPHandler(opts)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	lis, err := net.Listen("tcp", opts.TCPAddr)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return &Handler{
		opts:    opts,
		lis:     lis,
		handler: h,
	}, nil
}

// Addr returns the listener address.
func (h *Handler) Addr() net.Addr {
	return h.lis.Addr()
}

// Serve runs debug handler until ctx is canceled.
func (h *Handler) Serve(ctx context.Context) {
	stdL := must.NotFail(zap.NewStdLogAt(h.opts.L, zap.WarnLevel))

	s := http.Server{
		Handler:  h.handler,
		ErrorLog: stdL,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	root := "http://" + h.lis.Addr().String()
	h.opts.L.Sugar().Infof("Starting debug server on %s/debug ...", root)

	go func() {
		if err := s.Serve(h.lis); !errors.Is(err, http.ErrServerClosed) {
			h.opts.L.Sugar().Errorf("Debug server stopped unexpectedly: %s.", err)
		}
	}()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()

	_ = s.Shutdown(stopCtx) //nolint:contextcheck // use new context for cancellation
	_ = s.Close()

	h.opts.L.Sugar().Info("Debug server stopped.")
}

// newHTTPHandler returns a handler serving metrics, profiles, and graphs under /debug.
func newHTTPHandler(opts *ListenOpts) (http.Handler, error) {
	mux := http.NewServeMux()

	stdL := must.NotFail(zap.NewStdLogAt(opts.L, zap.WarnLevel))

	mux.Handle("/debug/metrics", promhttp.InstrumentMetricHandler(
		opts.R, promhttp.HandlerFor(opts.G, promhttp.HandlerOpts{
			ErrorLog:          stdL,
			ErrorHandling:     promhttp.ContinueOnError,
			Registry:          opts.R,
			EnableOpenMetrics: true,
		}),
	))

	if err := statsviz.Register(mux, statsviz.Root("/debug/graphs")); err != nil {
		return nil, err
	}

	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	handlers := map[string]string{
		"/debug/graphs":  "Visualize metrics",
		"/debug/metrics": "Metrics in Prometheus format",
		"/debug/vars":    "Expvar package metrics",
		"/debug/pprof":   "Runtime profiling data for pprof",
	}

	paths := maps.Keys(handlers)
	slices.Sort(paths)

	var page bytes.Buffer
	must.NoError(template.Must(template.New("debug").Parse(`
	<html>
	<body>
	<ul>
	{{range .}}
		<li><a href="{{.Path}}">{{.Path}}</a>: {{.Desc}}</li>
	{{end}}
	</ul>
	</body>
	</html>
	`)).Execute(&page, func() []struct{ Path, Desc string } {
		res := make([]struct{ Path, Desc string }, len(paths))
		for i, p := range paths {
			res[i].Path, res[i].Desc = p, handlers[p]
		}

		return res
	}()))

	mux.HandleFunc("/debug", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write(page.Bytes())
	})

	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		http.Redirect(rw, req, "/debug", http.StatusSeeOther)
	})

	return mux, nil
}
