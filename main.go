package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/blockmetrics/transfer-graph-service/api"
	"github.com/blockmetrics/transfer-graph-service/db"
	"github.com/blockmetrics/transfer-graph-service/elastic"
	"github.com/blockmetrics/transfer-graph-service/graph"
	"github.com/blockmetrics/transfer-graph-service/kafka"
	"github.com/blockmetrics/transfer-graph-service/metrics"
	"github.com/blockmetrics/transfer-graph-service/provider"
	"github.com/blockmetrics/transfer-graph-service/retry"
	"github.com/blockmetrics/transfer-graph-service/sync"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "TRANSFER_GRAPH"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	log.SetOutput(os.Stdout) // default is stderr
	_ = godotenv.Load()

	zapConfig := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	zapConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	logger, err := zapConfig.Build()
	if err != nil {
		return errors.Wrap(err, "creating logger")
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg struct {
		Provider struct {
			Endpoints      []string      `conf:"default:http://localhost:8545"`
			AttemptTimeout time.Duration `conf:"default:12s"`
			MaxRetries     int           `conf:"default:3"`
			RetryBaseDelay time.Duration `conf:"default:200ms"`
			RetryMaxDelay  time.Duration `conf:"default:5s"`
		}
		Store struct {
			Folder string `conf:"default:store"`
		}
		Ingest struct {
			StartBlock     uint64        `conf:"optional"`
			EndBlock       uint64        `conf:"optional"` // one-shot range ingest when set
			ChunkSize      uint64        `conf:"default:50"`
			NumWorkers     int           `conf:"default:4"`
			Follow         bool          `conf:"default:false"`
			FollowInterval time.Duration `conf:"default:10s"`
		}
		Graph struct {
			EdgeCap        int           `conf:"default:10000"`
			Damping        float64       `conf:"default:0.85"`
			Tolerance      float64       `conf:"default:0.000001"`
			MaxIterations  int           `conf:"default:100"`
			RunInterval    time.Duration `conf:"default:5m"` // follow mode only
			WhaleThreshold string        `conf:"optional"`   // decimal token amount, empty disables
		}
		Server struct {
			Enabled         bool          `conf:"default:true"`
			HttpHost        string        `conf:"default:0.0.0.0:8000"`
			MetricsHttpHost string        `conf:"default:0.0.0.0:9999"`
			CacheTTL        time.Duration `conf:"default:10s"`
		}
		Kafka struct {
			Enabled          bool     `conf:"default:false"`
			BootstrapServers []string `conf:"default:localhost:9092"`
			TransfersTopic   string   `conf:"default:token-transfers"`
		}
		Elastic struct {
			Enabled         bool     `conf:"default:false"`
			Addresses       []string `conf:"default:https://localhost:9200"`
			Username        string   `conf:"optional"`
			Password        string   `conf:"optional"`
			MetricsIndex    string   `conf:"default:address-metrics"`
			CertificatePath string   `conf:"optional"`
		}
		MetricsNamespace string `conf:"default:transfer_graph"`
	}

	if err := conf.Parse(os.Args[1:], envPrefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	store, err := db.NewStore(cfg.Store.Folder)
	if err != nil {
		return errors.Wrap(err, "creating store")
	}
	defer store.Close()

	retryPolicy := retry.Policy{
		MaxAttempts: cfg.Provider.MaxRetries,
		BaseDelay:   cfg.Provider.RetryBaseDelay,
		MaxDelay:    cfg.Provider.RetryMaxDelay,
		Classify:    provider.Classify,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			sLogger.Warnw("Retrying provider call", "attempt", attempt, "wait", wait, "error", err)
		},
	}
	providerClient, err := provider.NewClient(cfg.Provider.Endpoints, retryPolicy, cfg.Provider.AttemptTimeout)
	if err != nil {
		return errors.Wrap(err, "creating provider client")
	}

	processingMetrics := metrics.NewProcessingMetrics(cfg.MetricsNamespace)

	var publisher sync.Publisher
	if cfg.Kafka.Enabled {
		kafkaMetrics := kprom.NewMetrics(cfg.MetricsNamespace,
			kprom.Registerer(prometheus.DefaultRegisterer),
			kprom.Gatherer(prometheus.DefaultGatherer))
		kcl, err := kgo.NewClient(
			kgo.WithHooks(kafkaMetrics),
			kgo.SeedBrokers(cfg.Kafka.BootstrapServers...),
			kgo.DefaultProduceTopic(cfg.Kafka.TransfersTopic),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		publisher = kafka.NewTransferProducer(kcl)
	}

	var exporter graph.Exporter
	if cfg.Elastic.Enabled {
		var cert []byte
		if cfg.Elastic.CertificatePath != "" {
			cert, err = os.ReadFile(cfg.Elastic.CertificatePath)
			if err != nil {
				log.Printf("[WARN] main: could not read elastic certificate: %v", err)
			}
		}
		esClient, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses:     cfg.Elastic.Addresses,
			Username:      cfg.Elastic.Username,
			Password:      cfg.Elastic.Password,
			CACert:        cert,
			RetryOnStatus: []int{502, 503, 504, 429},
		})
		if err != nil {
			return errors.Wrap(err, "creating elasticsearch client")
		}
		exporter = elastic.NewClient(esClient, cfg.Elastic.MetricsIndex)
	}

	var whaleThreshold *big.Int
	if cfg.Graph.WhaleThreshold != "" {
		whaleThreshold, _ = new(big.Int).SetString(cfg.Graph.WhaleThreshold, 10)
		if whaleThreshold == nil {
			return errors.Errorf("invalid whale threshold [%s]", cfg.Graph.WhaleThreshold)
		}
	}

	graphConfig := graph.Config{
		Damping:       cfg.Graph.Damping,
		Tolerance:     cfg.Graph.Tolerance,
		MaxIterations: cfg.Graph.MaxIterations,
	}
	runner := graph.NewRunner(store, graphConfig, cfg.Graph.EdgeCap, whaleThreshold,
		exporter, processingMetrics, sLogger)
	processor := sync.NewIngestProcessor(providerClient, store, publisher,
		cfg.Ingest.ChunkSize, cfg.Ingest.NumWorkers, processingMetrics, sLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	procErr := make(chan error, 1)
	switch {
	case cfg.Ingest.EndBlock > 0:
		go func() {
			result, err := processor.Ingest(ctx, cfg.Ingest.StartBlock, cfg.Ingest.EndBlock)
			if err != nil {
				procErr <- err
				return
			}
			if result.LastCommitted > 0 {
				if _, err := runner.Run(ctx, result.LastCommitted); err != nil {
					procErr <- errors.Wrap(err, "running metrics")
					return
				}
			}
			procErr <- nil
		}()
	case cfg.Ingest.Follow:
		go func() {
			procErr <- processor.Follow(ctx, cfg.Ingest.FollowInterval)
		}()
		go func() {
			ticker := time.NewTicker(cfg.Graph.RunInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				checkpoint, err := store.GetCheckpoint()
				if err != nil {
					continue
				}
				if _, err := runner.Run(ctx, checkpoint.Height); err != nil &&
					!errors.Is(err, graph.ErrRunInProgress) {
					sLogger.Errorw("Metrics run failed", "error", err)
				}
			}
		}()
	default:
		log.Println("main: No ingestion configured, serving queries only.")
	}

	apiError := make(chan error, 1)
	go func() {
		handler := api.NewHandler(store, cfg.Server.CacheTTL, processingMetrics)
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/graph-snapshot", handler.GetGraphSnapshot)
		mux.HandleFunc("/v1/status", handler.GetStatus)
		mux.HandleFunc("/health", handler.GetHealth)
		log.Printf("main: Starting server on [%s].", cfg.Server.HttpHost)
		apiError <- http.ListenAndServe(cfg.Server.HttpHost, mux)
	}()

	metricsError := make(chan error, 1)
	go func() {
		log.Printf("main: Starting metrics server on [%s].", cfg.Server.MetricsHttpHost)
		http.Handle("/metrics", promhttp.Handler())
		metricsError <- http.ListenAndServe(cfg.Server.MetricsHttpHost, nil)
	}()

	log.Println("main: Service started.")

	for {
		select {
		case <-ctx.Done():
			log.Println("main: Received shutdown signal, shutting down...")
			return nil
		case err := <-procErr:
			if err != nil {
				return errors.Wrap(err, "processing")
			}
			log.Printf("main: Finished processing.")
			if !cfg.Server.Enabled {
				return nil
			}
		case err := <-apiError:
			return errors.Wrap(err, "starting server")
		case err := <-metricsError:
			return errors.Wrap(err, "starting metrics server")
		}
	}
}
