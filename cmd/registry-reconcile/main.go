package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/certledger/certledger/internal/blobstore"
	"github.com/certledger/certledger/internal/certindex"
	certindexpg "github.com/certledger/certledger/internal/certindex/postgres"
	"github.com/certledger/certledger/internal/issuedevent"
	"github.com/certledger/certledger/internal/ledger"
	"github.com/certledger/certledger/internal/queue"
	"github.com/certledger/certledger/internal/reconcile"
	"github.com/certledger/certledger/internal/rpcselect"
)

func main() {
	var (
		rpcURLs         = flag.String("rpc-urls", "", "comma-separated ledger RPC endpoints")
		rpcProbeTimeout = flag.Duration("rpc-probe-timeout", rpcselect.DefaultProbeTimeout, "per-endpoint probe timeout")
		contractAddr    = flag.String("contract-address", "", "certificate registry contract address (required)")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		audit      = flag.Bool("audit", false, "run one audit pass over the index and exit")
		rebuildIDs = flag.String("rebuild-ids", "", "comma-separated certificate IDs to rebuild from the ledger, then exit")

		blobDriver = flag.String("blob-driver", blobstore.DriverFS, "document store driver for --rebuild-ids (fs|s3|memory)")
		blobDir    = flag.String("blob-dir", "certificates", "document directory for the fs driver")
		blobBucket = flag.String("blob-bucket", "", "S3 bucket for the s3 driver")
		blobPrefix = flag.String("blob-prefix", "", "S3 key prefix for the s3 driver")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", "", "queue brokers (comma-separated)")
		queueGroup   = flag.String("queue-group", "registry-reconcile", "consumer group id")
		queueTopic   = flag.String("queue-topic", issuedevent.Topic, "issued certificate event topic")

		maxInflight = flag.Int("max-inflight", 4, "maximum events applied concurrently")
		ackTimeout  = flag.Duration("ack-timeout", 5*time.Second, "budget for committing one message")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if !common.IsHexAddress(strings.TrimSpace(*contractAddr)) {
		fmt.Fprintln(os.Stderr, "error: --contract-address must be a valid hex address")
		os.Exit(2)
	}
	if strings.TrimSpace(*postgresDSN) == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required")
		os.Exit(2)
	}
	if !*audit && strings.TrimSpace(*rebuildIDs) == "" && *queueDriver == queue.DriverKafka && strings.TrimSpace(*queueBrokers) == "" {
		fmt.Fprintln(os.Stderr, "error: --queue-brokers is required for the kafka driver")
		os.Exit(2)
	}
	if *maxInflight <= 0 || *ackTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-inflight and --ack-timeout must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpcStatus, err := rpcselect.Select(ctx, rpcselect.Config{
		Candidates:   *rpcURLs,
		ProbeTimeout: *rpcProbeTimeout,
		Prober: rpcselect.ProberFunc(func(ctx context.Context, url string) error {
			client, dialErr := ethclient.DialContext(ctx, url)
			if dialErr != nil {
				return dialErr
			}
			defer client.Close()
			_, probeErr := client.BlockNumber(ctx)
			return probeErr
		}),
	})
	if err != nil {
		log.Error("select rpc endpoint", "err", err)
		os.Exit(2)
	}

	ethClient, err := ethclient.DialContext(ctx, rpcStatus.Selected)
	if err != nil {
		log.Error("dial ledger rpc", "url", rpcStatus.Selected, "err", err)
		os.Exit(2)
	}
	defer ethClient.Close()

	ledgerClient, err := ledger.NewClient(ledger.Config{
		Contract: common.HexToAddress(strings.TrimSpace(*contractAddr)),
		Backend:  ethClient,
	})
	if err != nil {
		log.Error("init ledger client", "err", err)
		os.Exit(2)
	}
	if err := ledgerClient.CheckDeployed(ctx); err != nil {
		log.Error("check contract deployment", "contract", *contractAddr, "err", err)
		os.Exit(2)
	}

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	var index certindex.Store
	pgIndex, err := certindexpg.New(pool)
	if err != nil {
		log.Error("init certificate index store", "err", err)
		os.Exit(2)
	}
	if err := pgIndex.EnsureSchema(ctx); err != nil {
		log.Error("ensure certificate index schema", "err", err)
		os.Exit(2)
	}
	index = pgIndex

	var blobs blobstore.Store
	if strings.TrimSpace(*rebuildIDs) != "" {
		blobCfg := blobstore.Config{
			Driver: *blobDriver,
			Dir:    *blobDir,
			Bucket: *blobBucket,
			Prefix: *blobPrefix,
		}
		if strings.TrimSpace(strings.ToLower(*blobDriver)) == blobstore.DriverS3 {
			awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx)
			if awsErr != nil {
				log.Error("load aws config", "err", awsErr)
				os.Exit(2)
			}
			blobCfg.S3Client = s3.NewFromConfig(awsCfg)
		}
		blobs, err = blobstore.New(blobCfg)
		if err != nil {
			log.Error("init document store", "err", err)
			os.Exit(2)
		}
	}

	rec, err := reconcile.New(reconcile.Config{
		Ledger: ledgerClient,
		Index:  index,
		Blobs:  blobs,
		Log:    log,
	})
	if err != nil {
		log.Error("init reconciler", "err", err)
		os.Exit(2)
	}

	if ids := queue.SplitCommaList(*rebuildIDs); len(ids) > 0 {
		report, rebuildErr := rec.Rebuild(ctx, ids)
		if rebuildErr != nil {
			log.Error("rebuild failed", "err", rebuildErr)
			os.Exit(1)
		}
		log.Info("rebuild complete",
			"requested", report.Requested,
			"rebuilt", report.Rebuilt,
			"present", report.Present,
			"unknown", len(report.Unknown),
			"orphanedStorage", len(report.OrphanedStorage))
		for _, sid := range report.OrphanedStorage {
			log.Error("orphaned storage id", "storageID", sid)
		}
		if len(report.Unknown) > 0 || len(report.OrphanedStorage) > 0 {
			os.Exit(1)
		}
		return
	}

	if *audit {
		report, auditErr := rec.Audit(ctx)
		if auditErr != nil {
			log.Error("audit failed", "err", auditErr)
			os.Exit(1)
		}
		log.Info("audit complete",
			"checked", report.Checked,
			"matched", report.Matched,
			"mismatched", len(report.Mismatched))
		if len(report.Mismatched) > 0 {
			os.Exit(1)
		}
		return
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Group:   *queueGroup,
		Topics:  []string{*queueTopic},
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer consumer.Close()

	worker, err := reconcile.NewWorker(reconcile.WorkerConfig{
		MaxInflight: *maxInflight,
		AckTimeout:  *ackTimeout,
	}, rec, consumer, log)
	if err != nil {
		log.Error("init reconcile worker", "err", err)
		os.Exit(2)
	}

	log.Info("registry-reconcile consuming", "driver", *queueDriver, "topic", *queueTopic, "group", *queueGroup)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("reconcile worker stopped", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown", "reason", ctx.Err())
}
