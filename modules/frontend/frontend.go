package frontend

import (
	"context"
	"flag"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dicer-proj/dicer/modules/browser"
	"github.com/dicer-proj/dicer/modules/publisher"
	"github.com/dicer-proj/dicer/modules/registry"
	"github.com/dicer-proj/dicer/modules/storage"
	"github.com/dicer-proj/dicer/pkg/analytics"
)

type Config struct {
	HTTPListenAddress string        `yaml:"http_listen_address"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddress, prefix+"frontend.http-listen-address", ":5000", "Address the HTTP front door listens on.")
	cfg.ShutdownTimeout = 10 * time.Second
}

// Frontend is the HTTP front door: the browse endpoint for queries, the
// resource endpoint for publishing transactions, plus readiness and metrics.
type Frontend struct {
	services.Service

	cfg       Config
	store     *storage.Store
	browser   *browser.Browser
	publisher *publisher.Publisher
	logger    log.Logger

	// activity records every accepted transaction, like an access log
	activity log.Logger

	listener net.Listener
	server   *http.Server
}

func New(cfg Config, store *storage.Store, reg *registry.Registry, logger log.Logger) *Frontend {
	f := &Frontend{
		cfg:       cfg,
		store:     store,
		browser:   browser.New(store, reg, logger),
		publisher: publisher.New(store, logger),
		logger:    log.With(logger, "component", "frontend"),
		activity:  log.With(logger, "component", "activity"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/analytics/{name}/", f.browseHandler).Methods(http.MethodGet)
	router.HandleFunc("/resource/{resource}/", f.publishHandler).Methods(http.MethodPost)
	router.HandleFunc("/ready", f.readyHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	f.server = &http.Server{Handler: router}

	f.Service = services.NewBasicService(f.starting, f.running, f.stopping)
	return f
}

func (f *Frontend) starting(_ context.Context) error {
	listener, err := net.Listen("tcp", f.cfg.HTTPListenAddress)
	if err != nil {
		return errors.Wrap(err, "starting frontend listener")
	}
	f.listener = listener
	level.Info(f.logger).Log("msg", "frontend listening", "address", listener.Addr().String())
	return nil
}

func (f *Frontend) running(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- f.server.Serve(f.listener)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (f *Frontend) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ShutdownTimeout)
	defer cancel()
	return f.server.Shutdown(ctx)
}

// Addr returns the bound listener address.
func (f *Frontend) Addr() string {
	if f.listener == nil {
		return ""
	}
	return f.listener.Addr().String()
}

func (f *Frontend) browseHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	sliceArgs := map[string]string{}
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			sliceArgs[key] = vals[0]
		}
	}

	res, err := f.browser.Browse(r.Context(), name, sliceArgs)
	if err != nil {
		f.writeBrowseError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (f *Frontend) writeBrowseError(w http.ResponseWriter, name string, err error) {
	var (
		missing *browser.MissingSliceParameterError
		invalid *analytics.InvalidValueError
		corrupt *analytics.InvalidDefinitionError
	)
	switch {
	case errors.Is(err, browser.ErrNotFound):
		writeError(w, http.StatusNotFound, "Analytics not found", name)
	case errors.As(err, &missing):
		writeError(w, http.StatusBadRequest, "Missing slice parameter", missing.Dimension)
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, "Bad slice expression", invalid.Error())
	case errors.Is(err, browser.ErrUniqueAggregation):
		writeError(w, http.StatusBadRequest, "Measure type 'unique' cannot be aggregated", name)
	case errors.As(err, &corrupt):
		writeError(w, http.StatusServiceUnavailable, "Stored definition is invalid", corrupt.Error())
	default:
		level.Error(f.logger).Log("msg", "browse failed", "analytics", name, "err", err)
		writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
	}
}

func (f *Frontend) publishHandler(w http.ResponseWriter, r *http.Request) {
	resource := mux.Vars(r)["resource"]

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed form body", err.Error())
		return
	}
	trType := r.PostFormValue("tr_type")
	payload := r.PostFormValue("payload")

	err := f.publisher.Publish(r.Context(), resource, trType, []byte(payload))
	if err != nil {
		var (
			noSubs   *publisher.NoSubscribersError
			mismatch *publisher.ListenerMismatchError
		)
		switch {
		case errors.Is(err, publisher.ErrUnknownTransactionType):
			writeError(w, http.StatusBadRequest, "Unknown transaction type", trType)
		case errors.As(err, &noSubs):
			writeError(w, http.StatusNotFound, "Channel not found", noSubs.Error())
		case errors.As(err, &mismatch):
			writeError(w, http.StatusServiceUnavailable, "Subscription-Listened mismatch", mismatch.Error())
		default:
			level.Error(f.logger).Log("msg", "publish failed", "resource", resource, "err", err)
			writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
		}
		return
	}

	level.Info(f.activity).Log("tr_type", trType, "resource", resource, "payload", payload)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "Accepted"})
}

func (f *Frontend) readyHandler(w http.ResponseWriter, r *http.Request) {
	if err := f.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unreachable", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

var responseJSON = jsoniter.ConfigCompatibleWithStandardLibrary

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	blob, err := responseJSON.MarshalIndent(body, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(blob)
}

// writeError renders the error envelope shared by all endpoints.
func writeError(w http.ResponseWriter, status int, message, context string) {
	writeJSON(w, status, map[string]string{
		"status":        http.StatusText(status),
		"error_message": message,
		"error_context": context,
	})
}
