package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type httpError struct {
	cause  error
	status int
}

func (e *httpError) Error() string {
	return e.cause.Error()
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func wrapHandlerFunc(f handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := f(w, r); err != nil {
			if he, ok := err.(*httpError); ok {
				http.Error(w, he.cause.Error(), he.status)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		}
	}
}

type parametersResponse struct {
	Version    uint64            `json:"version"`
	Parameters config.Parameters `json:"parameters"`
}

// NewRouter serves the collectors of gatherer on GET /metrics, and the updatable parameters
// on GET and PUT /parameters. A PUT replaces the whole snapshot.
func NewRouter(gatherer prometheus.Gatherer, updatable *config.Updatable, logger hclog.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Path("/metrics").
		Methods(http.MethodGet).
		Name("metrics").
		Handler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	writeParameters := func(w http.ResponseWriter) error {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		return json.NewEncoder(w).Encode(parametersResponse{
			Version:    updatable.Version(),
			Parameters: updatable.Load(),
		})
	}
	router.Path("/parameters").
		Methods(http.MethodGet).
		Name("get_parameters").
		HandlerFunc(wrapHandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			return writeParameters(w)
		}))
	router.Path("/parameters").
		Methods(http.MethodPut).
		Name("put_parameters").
		HandlerFunc(wrapHandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			// absent fields keep their current value
			params := updatable.Load()
			decoder := json.NewDecoder(r.Body)
			decoder.DisallowUnknownFields()
			if err := decoder.Decode(&params); err != nil {
				return &httpError{cause: errors.Wrap(err, "body"), status: http.StatusBadRequest}
			}
			version, err := updatable.Update(params)
			if err != nil {
				return &httpError{cause: err, status: http.StatusBadRequest}
			}
			logger.Info("parameters updated", "version", version)
			return writeParameters(w)
		}))
	return router
}

// Serve runs the HTTP endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger hclog.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("serving metrics", "address", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
