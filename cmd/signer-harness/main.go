package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juno-intents/signer-harness/internal/artifacts"
	"github.com/juno-intents/signer-harness/internal/eventarchive"
	pgarchive "github.com/juno-intents/signer-harness/internal/eventarchive/postgres"
	"github.com/juno-intents/signer-harness/internal/harness"
	"github.com/juno-intents/signer-harness/internal/metrics"
	"github.com/juno-intents/signer-harness/internal/node"
	"github.com/juno-intents/signer-harness/internal/observer"
	"github.com/juno-intents/signer-harness/internal/relay"
	"github.com/juno-intents/signer-harness/internal/signer"
)

const (
	archiveMemory   = "memory"
	archivePostgres = "postgres"
)

type config struct {
	Signers       int
	SignerBin     string
	SignerArgs    []string
	StacksNodeBin string
	BitcoindBin   string
	WorkDir       string
	ObserverAddr  string

	Timeout         time.Duration
	RegisterTimeout time.Duration
	BlockTimeout    time.Duration
	NakamotoBlocks  int

	RelayDriver  string
	KafkaBrokers []string
	TopicPrefix  string

	ArchiveDriver string
	PostgresDSN   string

	ArtifactsDriver string
	S3Bucket        string
	S3Prefix        string
	S3Endpoint      string

	MetricsAddr string
	OutputPath  string
	LogLevel    slog.Level
}

type report struct {
	Version        string         `json:"version"`
	GeneratedAtUTC string         `json:"generated_at_utc"`
	DurationMS     int64          `json:"duration_ms"`
	RunID          string         `json:"run_id"`
	RunStamp       string         `json:"run_stamp"`
	Signers        int            `json:"signers"`
	RewardCycle    uint64         `json:"reward_cycle"`
	Blocks         []blockReport  `json:"blocks"`
	Counters       node.Snapshot  `json:"counters"`
	Archived       map[string]int `json:"archived,omitempty"`
	Artifacts      []string       `json:"artifacts,omitempty"`
}

type blockReport struct {
	BlockHash           string `json:"block_hash"`
	StacksHeight        uint64 `json:"stacks_height"`
	SignerSignatureHash string `json:"signer_signature_hash"`
	Signatures          int    `json:"signatures"`
	ConfirmMS           int64  `json:"confirm_ms"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	started := time.Now()
	runID := uuid.NewString()
	rep := report{
		Version:        "signer.harness.v1",
		GeneratedAtUTC: started.UTC().Format(time.RFC3339),
		RunID:          runID,
		Signers:        cfg.Signers,
	}
	log = log.With("run_id", runID)

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, m, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	sinks, closeSinks, store, err := buildSinks(ctx, cfg, runID, log)
	if err != nil {
		return err
	}
	defer closeSinks()

	spawnerOpts := []signer.ExecOption{signer.WithLogger(log.With("component", "signer"))}
	if len(cfg.SignerArgs) > 0 {
		spawnerOpts = append(spawnerOpts, signer.WithArgs(cfg.SignerArgs...))
	}
	spawner, err := signer.NewExecSpawner(cfg.SignerBin, filepath.Join(cfg.WorkDir, "signers"), spawnerOpts...)
	if err != nil {
		return err
	}

	counters := node.NewCounters()
	bootCfg := node.BootConfig{
		BitcoindBin:   cfg.BitcoindBin,
		StacksNodeBin: cfg.StacksNodeBin,
		ObserverAddr:  cfg.ObserverAddr,
		Counters:      counters,
	}
	if len(sinks) > 0 {
		bootCfg.ObserverSink = sinks
	}

	log.Info("starting harness", "signers", cfg.Signers)
	t, err := harness.New(ctx, harness.Options{
		NumSigners: cfg.Signers,
		WorkDir:    cfg.WorkDir,
		Boot:       bootCfg,
		Spawner:    spawner,
		Metrics:    m,
		Log:        log,
	})
	if err != nil {
		return fmt.Errorf("start harness: %w", err)
	}
	rep.RunStamp = t.RunStamp()

	runErr := exercise(ctx, t, cfg, &rep, log)
	configs := signerConfigs(t)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := t.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	if runErr != nil {
		return runErr
	}

	rep.Counters = counters.Snapshot()
	if store != nil {
		rep.Archived, err = archivedCounts(ctx, store, runID)
		if err != nil {
			return err
		}
	}
	rep.DurationMS = time.Since(started).Milliseconds()

	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}

	if cfg.ArtifactsDriver != "" {
		astore, err := newArtifactStore(ctx, cfg)
		if err != nil {
			return err
		}
		keys, err := uploadArtifacts(ctx, astore, runID, out, configs)
		if err != nil {
			return err
		}
		if cfg.ArtifactsDriver == artifacts.DriverMemory {
			log.Info("artifacts dry run, nothing persisted", "keys", len(keys))
		}
		rep.Artifacts = keys
		if out, err = json.MarshalIndent(rep, "", "  "); err != nil {
			return err
		}
	}

	if cfg.OutputPath == "-" {
		_, err = fmt.Fprintf(stdout, "%s\n", out)
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(cfg.OutputPath, append(out, '\n'), 0o644); err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "wrote report: %s\n", cfg.OutputPath)
	return err
}

// exercise drives the chain into epoch 3.0, waits for every signer to
// register, then mines and confirms the requested number of nakamoto blocks.
func exercise(ctx context.Context, t *harness.SignerTest, cfg config, rep *report, log *slog.Logger) error {
	if err := t.RunUntilEpoch3Boundary(ctx); err != nil {
		return fmt.Errorf("run until epoch 3.0: %w", err)
	}
	if err := t.WaitForRegistered(ctx, cfg.RegisterTimeout); err != nil {
		return err
	}
	cycle, err := t.CurrentRewardCycle(ctx)
	if err != nil {
		return err
	}
	rep.RewardCycle = cycle
	log.Info("signers registered", "reward_cycle", cycle)

	for i := 0; i < cfg.NakamotoBlocks; i++ {
		mined, err := t.MineNakamotoBlock(ctx, cfg.BlockTimeout)
		if err != nil {
			return fmt.Errorf("mine nakamoto block %d: %w", i, err)
		}
		confirmStart := time.Now()
		sigs, err := t.WaitForConfirmedBlockV0(ctx, mined.SignerSignatureHash, cfg.BlockTimeout)
		if err != nil {
			return fmt.Errorf("confirm nakamoto block %d: %w", i, err)
		}
		if err := t.VerifyBlockSignatures(ctx, mined.SignerSignatureHash, sigs, cycle); err != nil {
			return fmt.Errorf("verify nakamoto block %d: %w", i, err)
		}
		rep.Blocks = append(rep.Blocks, blockReport{
			BlockHash:           mined.BlockHash,
			StacksHeight:        mined.StacksHeight,
			SignerSignatureHash: mined.SignerSignatureHash.Hex(),
			Signatures:          len(sigs),
			ConfirmMS:           time.Since(confirmStart).Milliseconds(),
		})
		log.Info("nakamoto block confirmed", "stacks_height", mined.StacksHeight, "signatures", len(sigs))
	}
	return nil
}

func signerConfigs(t *harness.SignerTest) map[string]string {
	out := make(map[string]string, t.NumSigners())
	for i := 0; i < t.NumSigners(); i++ {
		sc, err := t.SignerConfig(i)
		if err != nil {
			continue
		}
		b, err := sc.Marshal()
		if err != nil {
			continue
		}
		out[fmt.Sprintf("signers/signer-%d.toml", i)] = string(b)
	}
	return out
}

func buildSinks(ctx context.Context, cfg config, runID string, log *slog.Logger) (observer.MultiSink, func(), eventarchive.Store, error) {
	var (
		sinks   observer.MultiSink
		closers []func()
		store   eventarchive.Store
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.RelayDriver != "" {
		pub, err := relay.NewPublisher(relay.Config{
			Driver:  cfg.RelayDriver,
			Brokers: cfg.KafkaBrokers,
			Writer:  os.Stderr,
		})
		if err != nil {
			return nil, closeAll, nil, err
		}
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				log.Warn("close relay publisher", "err", err)
			}
		})
		sink, err := relay.NewSink(pub, cfg.TopicPrefix, runID)
		if err != nil {
			closeAll()
			return nil, func() {}, nil, err
		}
		sinks = append(sinks, sink)
	}

	switch cfg.ArchiveDriver {
	case "":
	case archiveMemory:
		store = eventarchive.NewMemoryStore()
	case archivePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			closeAll()
			return nil, func() {}, nil, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		pg, err := pgarchive.New(pool)
		if err != nil {
			closeAll()
			return nil, func() {}, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, func() {}, nil, fmt.Errorf("ensure archive schema: %w", err)
		}
		store = pg
	}
	if store != nil {
		sink, err := eventarchive.NewSink(store, runID)
		if err != nil {
			closeAll()
			return nil, func() {}, nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, closeAll, store, nil
}

func archivedCounts(ctx context.Context, store eventarchive.Store, runID string) (map[string]int, error) {
	out := make(map[string]int)
	for _, kind := range observer.Kinds() {
		recs, err := store.List(ctx, runID, kind)
		if err != nil {
			return nil, fmt.Errorf("list archived %s: %w", kind, err)
		}
		if len(recs) > 0 {
			out[string(kind)] = len(recs)
		}
	}
	return out, nil
}

// uploadArtifacts stores the report and signer configs and confirms each key
// is readable back from store.
func uploadArtifacts(ctx context.Context, store artifacts.Store, runID string, reportJSON []byte, signerConfigs map[string]string) ([]string, error) {
	files := map[string][]byte{"report.json": append(reportJSON, '\n')}
	for name, body := range signerConfigs {
		files[name] = []byte(body)
	}
	keys, err := artifacts.UploadRun(ctx, store, runID, files)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		ok, err := store.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("artifacts: verify %s: %w", key, err)
		}
		if !ok {
			return nil, fmt.Errorf("artifacts: verify %s: %w", key, artifacts.ErrNotFound)
		}
	}
	return keys, nil
}

func newArtifactStore(ctx context.Context, cfg config) (artifacts.Store, error) {
	acfg := artifacts.Config{
		Driver: cfg.ArtifactsDriver,
		Bucket: cfg.S3Bucket,
		Prefix: cfg.S3Prefix,
	}
	if acfg.Driver == artifacts.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		acfg.S3 = awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
			if cfg.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3Endpoint)
				o.UsePathStyle = true
			}
		})
	}
	return artifacts.New(acfg)
}

func serveMetrics(addr string, m *metrics.Metrics, log *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "err", err)
		}
	}()
	log.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func parseArgs(args []string) (config, error) {
	var cfg config
	var (
		brokersRaw    string
		signerArgsRaw string
		postgresEnv   string
		logLevel      string
	)

	fs := flag.NewFlagSet("signer-harness", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.IntVar(&cfg.Signers, "signers", 5, "number of signer processes")
	fs.StringVar(&cfg.SignerBin, "signer-bin", "", "signer binary (required)")
	fs.StringVar(&signerArgsRaw, "signer-args", "", "comma-separated extra arguments placed before the config path")
	fs.StringVar(&cfg.StacksNodeBin, "stacks-node-bin", "stacks-node", "stacks-node binary")
	fs.StringVar(&cfg.BitcoindBin, "bitcoind-bin", "bitcoind", "bitcoind binary")
	fs.StringVar(&cfg.WorkDir, "work-dir", filepath.Join(os.TempDir(), "signer-harness"), "directory for node data and signer configs")
	fs.StringVar(&cfg.ObserverAddr, "observer-addr", "127.0.0.1:0", "listen address of the harness event observer")
	fs.DurationVar(&cfg.Timeout, "timeout", 15*time.Minute, "overall timeout")
	fs.DurationVar(&cfg.RegisterTimeout, "register-timeout", 2*time.Minute, "timeout for every signer to register")
	fs.DurationVar(&cfg.BlockTimeout, "block-timeout", 30*time.Second, "timeout to mine and to confirm each nakamoto block")
	fs.IntVar(&cfg.NakamotoBlocks, "nakamoto-blocks", 1, "nakamoto blocks to mine and confirm")
	fs.StringVar(&cfg.RelayDriver, "relay-driver", "", "event relay driver: kafka|stdio (empty disables)")
	fs.StringVar(&brokersRaw, "kafka-brokers", "", "comma-separated Kafka brokers (required for kafka relay)")
	fs.StringVar(&cfg.TopicPrefix, "topic-prefix", "signer.harness", "relay topic prefix")
	fs.StringVar(&cfg.ArchiveDriver, "archive-driver", "", "event archive driver: memory|postgres (empty disables)")
	fs.StringVar(&postgresEnv, "postgres-dsn-env", "SIGNER_HARNESS_POSTGRES_DSN", "env var containing the Postgres DSN")
	fs.StringVar(&cfg.ArtifactsDriver, "artifacts-driver", "", "run artifact driver: s3, or memory for a dry run that lists keys in the report without persisting (empty disables)")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", "", "artifact bucket (required for s3)")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", "", "artifact key prefix")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", "", "S3-compatible endpoint override")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "listen address for /metrics (empty disables)")
	fs.StringVar(&cfg.OutputPath, "output", "-", "output path or '-' for stdout")
	fs.StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.SignerBin = strings.TrimSpace(cfg.SignerBin)
	if cfg.SignerBin == "" {
		return cfg, errors.New("--signer-bin is required")
	}
	cfg.SignerArgs = relay.SplitCommaList(signerArgsRaw)
	if cfg.Signers <= 0 {
		return cfg, errors.New("--signers must be > 0")
	}
	if cfg.Timeout <= 0 {
		return cfg, errors.New("--timeout must be > 0")
	}
	if cfg.RegisterTimeout <= 0 {
		return cfg, errors.New("--register-timeout must be > 0")
	}
	if cfg.BlockTimeout <= 0 {
		return cfg, errors.New("--block-timeout must be > 0")
	}
	if cfg.NakamotoBlocks < 0 {
		return cfg, errors.New("--nakamoto-blocks must be >= 0")
	}
	if strings.TrimSpace(cfg.WorkDir) == "" {
		return cfg, errors.New("--work-dir must not be empty")
	}

	cfg.RelayDriver = strings.ToLower(strings.TrimSpace(cfg.RelayDriver))
	cfg.KafkaBrokers = relay.SplitCommaList(brokersRaw)
	switch cfg.RelayDriver {
	case "", relay.DriverStdio:
	case relay.DriverKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return cfg, errors.New("--kafka-brokers is required for the kafka relay")
		}
	default:
		return cfg, fmt.Errorf("--relay-driver: unsupported driver %q", cfg.RelayDriver)
	}
	if cfg.RelayDriver != "" && strings.Trim(strings.TrimSpace(cfg.TopicPrefix), ".") == "" {
		return cfg, errors.New("--topic-prefix must not be empty")
	}

	cfg.ArchiveDriver = strings.ToLower(strings.TrimSpace(cfg.ArchiveDriver))
	switch cfg.ArchiveDriver {
	case "", archiveMemory:
	case archivePostgres:
		cfg.PostgresDSN = strings.TrimSpace(os.Getenv(postgresEnv))
		if cfg.PostgresDSN == "" {
			return cfg, fmt.Errorf("--archive-driver postgres requires %s", postgresEnv)
		}
	default:
		return cfg, fmt.Errorf("--archive-driver: unsupported driver %q", cfg.ArchiveDriver)
	}

	cfg.ArtifactsDriver = strings.ToLower(strings.TrimSpace(cfg.ArtifactsDriver))
	switch cfg.ArtifactsDriver {
	case "", artifacts.DriverMemory:
	case artifacts.DriverS3:
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return cfg, errors.New("--s3-bucket is required for the s3 artifacts driver")
		}
	default:
		return cfg, fmt.Errorf("--artifacts-driver: unsupported driver %q", cfg.ArtifactsDriver)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return cfg, fmt.Errorf("--log-level: %w", err)
	}
	return cfg, nil
}
