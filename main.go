package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/node"
	"github.com/gitzhang10/narwhal/primary"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/worker"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var verbosity int

func main() {
	root := &cobra.Command{
		Use:           "narwhal",
		Short:         "A DAG mempool with leader-based ordering",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "log level, repeat for more details")
	root.AddCommand(generateKeysCmd(), runCmd(), clientCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// logLevel maps -v counts to hclog levels: none is error, -vvvv is trace.
func logLevel() int {
	level := int(hclog.Error) - verbosity
	if level < int(hclog.Trace) {
		level = int(hclog.Trace)
	}
	return level
}

func generateKeysCmd() *cobra.Command {
	var filename, name string
	cmd := &cobra.Command{
		Use:   "generate_keys",
		Short: "Print a fresh key pair to file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.GenerateKeyPair(name).Export(filename)
		},
	}
	cmd.Flags().StringVar(&filename, "filename", "", "the file where to print the new key pair")
	cmd.Flags().StringVar(&name, "name", "node", "the name of the authority")
	_ = cmd.MarkFlagRequired("filename")
	return cmd
}

type runFlags struct {
	keys, committee, parameters, store, prometheus string
}

func runCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a primary or a worker",
	}
	cmd.PersistentFlags().StringVar(&flags.keys, "keys", "", "the file containing the node keys")
	cmd.PersistentFlags().StringVar(&flags.committee, "committee", "", "the file containing committee information")
	cmd.PersistentFlags().StringVar(&flags.parameters, "parameters", "", "the file containing the node parameters")
	cmd.PersistentFlags().StringVar(&flags.store, "store", "", "the path where to create the data store")
	cmd.PersistentFlags().StringVar(&flags.prometheus, "prometheus", "", "the address of the metrics endpoint")
	_ = cmd.MarkPersistentFlagRequired("keys")
	_ = cmd.MarkPersistentFlagRequired("committee")
	_ = cmd.MarkPersistentFlagRequired("store")

	cmd.AddCommand(&cobra.Command{
		Use:   "primary",
		Short: "Run a single primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrimary(cmd.Context(), flags)
		},
	})

	var id uint32
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), flags, types.WorkerID(id))
		},
	}
	workerCmd.Flags().Uint32Var(&id, "id", 0, "the worker id")
	_ = workerCmd.MarkFlagRequired("id")
	cmd.AddCommand(workerCmd)
	return cmd
}

func runPrimary(ctx context.Context, flags *runFlags) error {
	conf, err := config.LoadConfig(flags.keys, flags.committee, flags.parameters, flags.store, logLevel())
	if err != nil {
		return err
	}
	st, err := node.OpenStore(conf, "primary")
	if err != nil {
		return err
	}
	defer st.Close()
	addr, _ := conf.Committee.PrimaryAddress(conf.Name)
	trans, err := node.ListenTCP(conf, addr, primary.ReflectedTypesMap())
	if err != nil {
		return err
	}
	defer trans.Close()

	p, err := node.NewPrimary(conf, trans, st)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(ctx, flags.prometheus) })
	g.Go(func() error { return node.Analyze(ctx, p.Output(), conf.Logger("analyzer")) })
	return g.Wait()
}

func runWorker(ctx context.Context, flags *runFlags, id types.WorkerID) error {
	conf, err := config.LoadConfig(flags.keys, flags.committee, flags.parameters, flags.store, logLevel())
	if err != nil {
		return err
	}
	addr, ok := conf.Committee.WorkerAddress(conf.Name, id)
	if !ok {
		return errors.Errorf("%s has no worker %d in %s", conf.Name, id, flags.committee)
	}
	st, err := node.OpenStore(conf, node.WorkerProcess(id))
	if err != nil {
		return err
	}
	defer st.Close()
	trans, err := node.ListenTCP(conf, addr, worker.ReflectedTypesMap())
	if err != nil {
		return err
	}
	defer trans.Close()

	w, err := node.NewWorker(conf, id, trans, st)
	if err != nil {
		return err
	}
	return w.Run(ctx, flags.prometheus)
}

func clientCmd() *cobra.Command {
	var address string
	var size, rate, count int
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Send transactions to a worker at a fixed rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), address, size, rate, count)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "the address of the worker")
	cmd.Flags().IntVar(&size, "size", 512, "the size of each transaction in bytes")
	cmd.Flags().IntVar(&rate, "rate", 1000, "the transactions sent per second")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many transactions, 0 for never")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

const clientPrecision = 20 // bursts per second

func runClient(ctx context.Context, address string, size, rate, count int) error {
	if size < 8 {
		return errors.New("transactions must be at least 8 bytes")
	}
	logger := hclog.New(&hclog.LoggerOptions{Name: "client", Level: hclog.Level(logLevel())})
	netConn, err := conn.DialConn(address, 5*time.Second)
	if err != nil {
		return errors.Wrapf(err, "connect to %s", address)
	}
	defer netConn.Release()

	burst := rate / clientPrecision
	if burst < 1 {
		burst = 1
	}
	ticker := time.NewTicker(time.Second / clientPrecision)
	defer ticker.Stop()
	logger.Info("start sending transactions", "address", address, "size", size, "rate", rate)

	var sent uint64
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			for i := 0; i < burst; i++ {
				data := make([]byte, size)
				binary.BigEndian.PutUint64(data, sent)
				payload, err := conn.Encode(&worker.Transaction{Data: data})
				if err != nil {
					return err
				}
				if err := conn.SendMsg(netConn, worker.TransactionTag, "client", payload, nil); err != nil {
					return errors.Wrap(err, "send transaction")
				}
				sent++
				if count > 0 && sent >= uint64(count) {
					logger.Info("all transactions sent", "count", sent)
					return nil
				}
			}
			if time.Since(start) > time.Second/clientPrecision {
				logger.Warn("transaction rate too high for this client")
			}
		case <-ctx.Done():
			return nil
		}
	}
}
