package main

import (
	"context"
	"crypto/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"darkpool/api/grpcserver"
	"darkpool/config"
	"darkpool/domain/address"
	"darkpool/domain/engine"
	"darkpool/infra/kafka"
	"darkpool/infra/logging"
	"darkpool/infra/metrics"
	"darkpool/infra/sequence"
	entrywal "darkpool/infra/wal/entry"
	exitwal "darkpool/infra/wal/exit"
	"darkpool/jobs/broadcaster"
	"darkpool/mpc/local"
	"darkpool/service"
	"darkpool/snapshot"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ledger node",
	RunE:  serve,
}

// runner is a background loop bound to the node's lifetime.
type runner struct {
	name string
	run  func(context.Context) error
}

type node struct {
	cfg      config.Config
	log      zerolog.Logger
	engine   *engine.Engine
	entryWAL *entrywal.WAL
	exitWAL  *exitwal.ExitWAL
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	svc      *service.LedgerService

	runners []runner
	closers []func() error
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := &node{cfg: cfg, log: log}
	defer n.close()

	// ---------------- State ----------------

	if err := n.open(); err != nil {
		return err
	}

	// ---------------- Cluster ----------------

	if err := n.wireCluster(); err != nil {
		return err
	}
	n.wireBroadcaster()
	if cfg.Snapshot.Interval > 0 {
		n.runners = append(n.runners, runner{"snapshots", func(ctx context.Context) error {
			return n.svc.RunSnapshots(ctx, cfg.Snapshot.Dir, cfg.Snapshot.Interval)
		}})
	}

	// ---------------- Background loops ----------------

	var wg conc.WaitGroup
	for _, r := range n.runners {
		wg.Go(func() {
			if err := r.run(ctx); err != nil {
				log.Error().Err(err).Str("runner", r.name).Msg("stopped, shutting down")
				stop()
			}
		})
	}

	if resumed := n.svc.Resume(ctx); resumed > 0 {
		log.Info().Int("requests", resumed).Msg("in-flight computations re-dispatched")
	}

	// ---------------- Servers ----------------

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		stop()
		wg.Wait()
		return errors.Wrapf(err, "listen %s", cfg.GRPC.Addr)
	}
	g := grpc.NewServer()
	grpcserver.NewServer(n.svc, log).Register(g)
	wg.Go(func() {
		if err := g.Serve(lis); err != nil {
			log.Error().Err(err).Msg("grpc server exited")
			stop()
		}
	})

	var httpSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(n.registry))
		httpSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		wg.Go(func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server exited")
			}
		})
	}

	log.Info().Str("grpc", cfg.GRPC.Addr).Str("metrics", cfg.Metrics.Addr).Str("cluster", cfg.Cluster.Mode).Msg("darkpool node running")
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	// ---------------- Shutdown ----------------

	g.GracefulStop()
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpSrv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
		cancel()
	}
	wg.Wait()

	if cfg.Snapshot.Interval > 0 {
		if _, err := n.svc.Snapshot(&snapshot.Writer{Dir: cfg.Snapshot.Dir}); err != nil {
			log.Error().Err(err).Msg("final snapshot")
		}
	}
	return nil
}

// open restores the latest snapshot and replays the journal after it.
func (n *node) open() error {
	cfg := n.cfg
	n.engine = engine.New(cfg.Engine())

	var after uint64
	if cfg.Snapshot.Dir != "" {
		snap, ok, err := snapshot.Load(cfg.Snapshot.Dir)
		if err != nil {
			return err
		}
		if ok {
			n.engine.Restore(snap.State)
			after = snap.Seq
			n.log.Info().Uint64("seq", snap.Seq).Time("created", snap.Created).Msg("snapshot restored")
		}
	}

	entryWAL, err := entrywal.Open(entrywal.Config{
		Dir:             cfg.Journal.Dir,
		SegmentSize:     cfg.Journal.SegmentSize,
		SegmentDuration: cfg.Journal.SegmentDuration,
		Sync:            cfg.Journal.Sync,
	})
	if err != nil {
		return errors.Wrap(err, "open journal")
	}
	n.entryWAL = entryWAL
	n.closers = append(n.closers, entryWAL.Close)

	exitWAL, err := exitwal.Open(cfg.Outbox.Dir)
	if err != nil {
		return err
	}
	n.exitWAL = exitWAL
	n.closers = append(n.closers, exitWAL.Close)

	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = metrics.New(n.registry)

	n.svc = service.NewLedgerService(
		n.engine,
		sequence.New(after),
		entryWAL,
		exitWAL,
		nil,
		service.WithLogger(n.log),
		service.WithMetrics(n.metrics),
	)
	_, _, err = n.svc.Replay(cfg.Journal.Dir, after)
	return errors.Wrap(err, "journal replay")
}

func (n *node) wireCluster() error {
	cfg := n.cfg
	var clusterKey address.Key

	switch cfg.Cluster.Mode {
	case config.ClusterLocal:
		key, err := config.ReadKey(cfg.Cluster.KeyFile)
		if err != nil {
			return err
		}
		recipient, err := n.fillRecipient()
		if err != nil {
			return err
		}
		c, err := local.New(local.Config{
			Key:       key,
			Recipient: recipient,
			Source:    n.engine,
			Finalizer: n.svc,
			Rand:      rand.Reader,
			QueueSize: cfg.Cluster.QueueSize,
			Logger:    n.log,
		})
		if err != nil {
			return err
		}
		n.svc.SetCluster(c)
		n.runners = append(n.runners, runner{"local-cluster", c.Run})
		clusterKey = c.PublicKey()
		n.log.Info().Stringer("backend_public_key", clusterKey).Msg("local cluster ready")

	case config.ClusterKafka:
		p := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.RequestTopic,
			MaxTries: cfg.Kafka.MaxTries,
			Logger:   n.log,
		})
		c := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.CallbackTopic,
			GroupID: cfg.Kafka.GroupID,
			Logger:  n.log,
		}, n.svc)
		n.svc.SetCluster(p)
		n.runners = append(n.runners, runner{"callback-consumer", c.Run})
		n.closers = append(n.closers, p.Close, c.Close)
		if st, err := n.engine.Book(); err == nil {
			clusterKey = st.BackendKey
		}
	}

	return n.wireSettler(clusterKey)
}

// fillRecipient is the settlement authority's key: the configured settler
// key, else the authority of an initialized book.
func (n *node) fillRecipient() (address.Key, error) {
	if n.cfg.Settlement.KeyFile != "" {
		priv, err := config.ReadKey(n.cfg.Settlement.KeyFile)
		if err != nil {
			return address.Key{}, err
		}
		return priv.Public()
	}
	if st, err := n.engine.Book(); err == nil {
		return st.SettlementAuthority, nil
	}
	return address.Key{}, errors.New("local cluster needs settlement.keyFile or an initialized book")
}

func (n *node) wireSettler(clusterKey address.Key) error {
	if n.cfg.Settlement.KeyFile == "" {
		return nil
	}
	if clusterKey.IsZero() {
		n.log.Warn().Msg("cluster key unknown until the book is initialized, automatic settlement disabled")
		return nil
	}
	priv, err := config.ReadKey(n.cfg.Settlement.KeyFile)
	if err != nil {
		return err
	}
	st, err := service.NewSettler(priv, clusterKey)
	if err != nil {
		return err
	}
	n.svc.SetSettler(st)
	n.log.Info().Stringer("authority", st.Authority()).Msg("automatic settlement enabled")
	return nil
}

func (n *node) wireBroadcaster() {
	cfg := n.cfg
	if !cfg.Broadcast.Enabled {
		return
	}
	n.runners = append(n.runners, runner{"broadcaster", func(ctx context.Context) error {
		p, err := broadcaster.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		bc := broadcaster.New(n.exitWAL, p, broadcaster.Config{
			Topic:      cfg.Kafka.EventTopic,
			Interval:   cfg.Broadcast.Interval,
			MaxRetries: cfg.Broadcast.MaxRetries,
			Logger:     n.log,
			Metrics:    n.metrics,
		})
		defer bc.Close()
		return bc.Run(ctx)
	}})
}

func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			n.log.Warn().Err(err).Msg("close")
		}
	}
}
