/*
Package node assembles the processes of an authority: a primary together with its consensus,
or one of its workers. Every component runs in an errgroup, so the first storage failure
stops the whole process.
*/
package node

import (
	"context"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/consensus"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/primary"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/worker"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const dialTimeout = 5 * time.Second

// OpenStore opens the store of a process under conf.StorePath, or an in-memory one if the
// path is empty.
func OpenStore(conf *config.Config, process string) (*store.Store, error) {
	if conf.StorePath == "" {
		return store.NewMem()
	}
	st, err := store.New(filepath.Join(conf.StorePath, process), store.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "store of %s", process)
	}
	return st, nil
}

// ListenTCP creates the TCP transport a process listens on.
func ListenTCP(conf *config.Config, addr string, typesMap map[uint8]reflect.Type) (*conn.NetworkTransport, error) {
	trans, err := conn.NewTCPTransportWithConfig(addr, &conn.NetworkTransportConfig{
		MaxPool:           conf.Parameters.MaxPool,
		MsgChanSize:       conf.Parameters.ChannelCapacity,
		ReflectedTypesMap: typesMap,
		Logger:            conf.Logger("net"),
		Timeout:           dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	return trans, nil
}

// Primary runs a primary and the consensus ordering its DAG.
type Primary struct {
	conf      *config.Config
	registry  *prometheus.Registry
	primary   *primary.Primary
	consensus *consensus.Consensus
	output    chan consensus.Output
}

// NewPrimary wires a primary to its consensus. The committed certificates are read from
// Output; they are fed back to the primary regardless.
func NewPrimary(conf *config.Config, trans conn.Transport, st *store.Store) (*Primary, error) {
	elector, err := consensus.NewLeaderElector(conf.Parameters.LeaderPolicy, conf.Committee)
	if err != nil {
		return nil, err
	}
	capacity := conf.Parameters.ChannelCapacity
	registry := prometheus.NewRegistry()
	toConsensus := make(chan *primary.Certificate, capacity)
	feedback := make(chan *primary.Certificate, capacity)
	output := make(chan consensus.Output, capacity)

	return &Primary{
		conf:     conf,
		registry: registry,
		primary:  primary.NewPrimary(conf, trans, st, toConsensus, feedback, metrics.NewPrimaryMetrics(registry)),
		consensus: consensus.New(conf.Committee, conf.Parameters.GCDepth, elector, metrics.NewConsensusMetrics(registry),
			conf.Logger("consensus"), toConsensus, feedback, output),
		output: output,
	}, nil
}

// Output returns the certificates in commit order.
func (p *Primary) Output() <-chan consensus.Output {
	return p.output
}

// Run blocks until ctx is done or a component fails. The metrics endpoint is served on
// metricsAddr if it is not empty.
func (p *Primary) Run(ctx context.Context, metricsAddr string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.primary.Run(ctx) })
	g.Go(func() error { return p.consensus.Run(ctx) })
	if metricsAddr != "" {
		logger := p.conf.Logger("metrics")
		router := metrics.NewRouter(p.registry, p.conf.Updatable, logger)
		g.Go(func() error { return metrics.Serve(ctx, metricsAddr, router, logger) })
	}
	return g.Wait()
}

// Worker runs one worker of an authority.
type Worker struct {
	conf     *config.Config
	registry *prometheus.Registry
	worker   *worker.Worker
}

// NewWorker wires worker id.
func NewWorker(conf *config.Config, id types.WorkerID, trans conn.Transport, st *store.Store) (*Worker, error) {
	if _, ok := conf.Committee.WorkerAddress(conf.Name, id); !ok {
		return nil, errors.Errorf("%s has no worker %d", conf.Name, id)
	}
	registry := prometheus.NewRegistry()
	return &Worker{
		conf:     conf,
		registry: registry,
		worker:   worker.NewWorker(conf, id, trans, st, metrics.NewWorkerMetrics(registry)),
	}, nil
}

// Run blocks until ctx is done or a component fails.
func (w *Worker) Run(ctx context.Context, metricsAddr string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.worker.Run(ctx) })
	if metricsAddr != "" {
		logger := w.conf.Logger("metrics")
		router := metrics.NewRouter(w.registry, w.conf.Updatable, logger)
		g.Go(func() error { return metrics.Serve(ctx, metricsAddr, router, logger) })
	}
	return g.Wait()
}

// WorkerProcess names the store directory of worker id.
func WorkerProcess(id types.WorkerID) string {
	return "worker-" + strconv.Itoa(int(id))
}
