package serve

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/platelab/platevision/internal/aggregation"
	"github.com/platelab/platevision/internal/api"
	"github.com/platelab/platevision/internal/classifier"
	"github.com/platelab/platevision/internal/conf"
	"github.com/platelab/platevision/internal/datastore"
	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/dispatch"
	"github.com/platelab/platevision/internal/httpclient"
	"github.com/platelab/platevision/internal/logger"
	"github.com/platelab/platevision/internal/mqtt"
	"github.com/platelab/platevision/internal/notify"
	"github.com/platelab/platevision/internal/observability"
	"github.com/platelab/platevision/internal/runtime"
	"github.com/platelab/platevision/internal/staging"
)

// Command creates the command that runs the prediction API and its workers.
func Command(rt *runtime.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the prediction API server",
		Long:  "Serve the prediction API, run inference jobs against the classifier and keep per-sample summaries up to date.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), rt)
		},
	}

	if err := setupFlags(cmd); err != nil {
		panic(err)
	}

	return cmd
}

// setupFlags configures flags specific to the serve command.
func setupFlags(cmd *cobra.Command) error {
	flags := []struct {
		name, key, usage string
	}{
		{"listen", "server.listen", "Listen address of the HTTP API"},
		{"db", "database.sqlite.path", "Path to the SQLite database"},
		{"classifier", "worker.classifierurl", "URL of the well classifier"},
	}
	for _, f := range flags {
		cmd.Flags().String(f.name, "", f.usage)
		if err := viper.BindPFlag(f.key, cmd.Flags().Lookup(f.name)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", f.name, err)
		}
	}

	cmd.Flags().Int("workers", 0, "Number of concurrent inference workers")
	if err := viper.BindPFlag("worker.workers", cmd.Flags().Lookup("workers")); err != nil {
		return fmt.Errorf("error binding flag workers: %w", err)
	}
	return nil
}

// Run wires the store, engine, dispatch queue and HTTP API and serves until
// ctx is cancelled.
func Run(ctx context.Context, rt *runtime.Context) error {
	settings := rt.Settings
	log := rt.Logger("serve")

	var metrics *observability.Metrics
	if settings.Metrics.Enabled {
		m, err := observability.NewMetrics()
		if err != nil {
			return err
		}
		metrics = m
	}

	store, err := datastore.Open(&settings.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close database", logger.Error(err))
		}
	}()
	if err := store.Initialize(); err != nil {
		return err
	}
	repo := datastore.NewRepository(store)

	engineOpts := []aggregation.Option{}
	if metrics != nil {
		engineOpts = append(engineOpts, aggregation.WithRecorder(metrics.Aggregation))
	}
	if settings.MQTT.Enabled {
		client := newMQTTClient(ctx, settings, metrics, log)
		defer client.Disconnect()
		engineOpts = append(engineOpts, aggregation.WithPublisher(mqtt.NewRunPublisher(client, settings.MQTT.Topic)))
	}
	if settings.Notify.Enabled {
		notifier, err := notify.New(settings.Notify.URLs, settings.Notify.Events, settings.Notify.Timeout, log)
		if err != nil {
			return err
		}
		notifier.Start()
		defer notifier.Close()
		engineOpts = append(engineOpts, aggregation.WithPublisher(notifier))
	}
	engine := aggregation.New(repo, log, engineOpts...)

	hc := httpclient.New(&httpclient.Config{DefaultTimeout: settings.Worker.ClassifierTimeout})
	defer hc.Close()
	wells, err := classifier.NewHTTP(settings.Worker.ClassifierURL, hc, settings.Worker.ClassifierTimeout, log)
	if err != nil {
		return err
	}
	jobs := dispatch.NewInference(engine, wells, entities.ParseWellClass(settings.Worker.TargetClass), log)

	queueOpts := []dispatch.Option{
		dispatch.WithWorkers(settings.Worker.Workers),
		dispatch.WithRateLimit(settings.Worker.RateLimit, settings.Worker.Burst),
		dispatch.WithExecutionTimeout(settings.Worker.ExecutionTimeout),
	}
	if metrics != nil {
		queueOpts = append(queueOpts, dispatch.WithRecorder(metrics.Queue))
	}
	queue := dispatch.NewQueue(settings.Worker.QueueSize, dispatch.RetryConfig{
		MaxRetries:   settings.Worker.MaxRetries,
		InitialDelay: settings.Worker.InitialDelay,
		MaxDelay:     settings.Worker.MaxDelay,
		Multiplier:   settings.Worker.Multiplier,
	}, log, queueOpts...)

	images, err := staging.New(settings.Server.UploadDir, settings.Server.StagingTTL, log)
	if err != nil {
		return err
	}

	var serverOpts []api.Option
	if metrics != nil {
		serverOpts = append(serverOpts, api.WithMetrics(metrics, settings.Metrics.Path))
	}
	server, err := api.New(settings.Server, api.Dependencies{
		Engine:  engine,
		Queue:   queue,
		Jobs:    jobs,
		Staging: images,
		Store:   store,
	}, log, serverOpts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	queue.Start(gctx)
	resumeUnfinished(gctx, repo, engine, queue, jobs, log)

	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return queue.Stop(settings.Server.ShutdownTimeout)
	})

	log.Info("PlateVision server started",
		logger.String("version", rt.Version),
		logger.String("listen", settings.Server.Listen),
		logger.String("database", store.Dialect()),
		logger.Int("workers", settings.Worker.Workers))

	err = g.Wait()
	log.Info("PlateVision server stopped")
	return err
}

// resumeUnfinished re-enqueues runs left pending or processing by a previous
// process. A run that cannot be queued is failed like a fresh submission.
func resumeUnfinished(ctx context.Context, repo *datastore.Repository, engine *aggregation.Engine, queue *dispatch.Queue, jobs *dispatch.Inference, log logger.Logger) {
	ids, err := repo.UnfinishedRunIDs(ctx)
	if err != nil {
		log.Warn("failed to list unfinished runs", logger.Error(err))
		return
	}
	for _, id := range ids {
		if _, err := queue.Enqueue(jobs.Job(id)); err != nil {
			log.Warn("failed to resume run",
				logger.Uint64("run_id", uint64(id)),
				logger.Error(err))
			if failErr := engine.FailRun(ctx, id, api.QueueFailureMessage); failErr != nil {
				log.Warn("failed to mark unqueued run failed",
					logger.Uint64("run_id", uint64(id)),
					logger.Error(failErr))
			}
		}
	}
	if len(ids) > 0 {
		log.Info("resumed unfinished runs", logger.Int("count", len(ids)))
	}
}

// newMQTTClient connects to the broker. A failed connect is only logged and
// run events are not published.
func newMQTTClient(ctx context.Context, settings *conf.Settings, metrics *observability.Metrics, log logger.Logger) mqtt.Client {
	var recorder mqtt.ConnectionRecorder
	if metrics != nil {
		recorder = metrics.MQTT
	}
	client := mqtt.NewClient(mqtt.ConfigFromSettings(settings), log, recorder)
	if err := client.Connect(ctx); err != nil {
		log.Warn("MQTT broker unreachable, run events will not be published",
			logger.String("broker", settings.MQTT.Broker),
			logger.Error(err))
	}
	return client
}
