package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
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
	"github.com/certledger/certledger/internal/eth"
	"github.com/certledger/certledger/internal/institution"
	institutionpg "github.com/certledger/certledger/internal/institution/postgres"
	"github.com/certledger/certledger/internal/issuedevent"
	"github.com/certledger/certledger/internal/issuer"
	"github.com/certledger/certledger/internal/ledger"
	"github.com/certledger/certledger/internal/pinstore"
	"github.com/certledger/certledger/internal/queue"
	"github.com/certledger/certledger/internal/registryapi"
	"github.com/certledger/certledger/internal/rpcselect"
	"github.com/certledger/certledger/internal/secrets"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		rpcURLs         = flag.String("rpc-urls", "", "comma-separated ledger RPC endpoints (first working one wins)")
		rpcProbeTimeout = flag.Duration("rpc-probe-timeout", rpcselect.DefaultProbeTimeout, "per-endpoint probe timeout")
		chainID         = flag.Uint64("chain-id", 0, "ledger chain id (required)")
		contractAddr    = flag.String("contract-address", "", "certificate registry contract address (required)")
		adminAddr       = flag.String("admin-address", "", "registry admin identity for auto-approval and admin endpoints")

		secretsDriver   = flag.String("secrets-driver", secrets.DriverEnv, "secrets provider (aws|env)")
		issuerKeySecret = flag.String("issuer-key-secret", "", "secret name holding the issuer private key hex")
		issuerKeyHex    = flag.String("issuer-key-hex", "", "issuer private key hex (development only)")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN; empty runs with in-memory stores")

		pinDriver    = flag.String("pin-driver", pinstore.DriverHTTP, "pinning driver (http|memory)")
		pinAPIURL    = flag.String("pin-api-url", "", "pinning service add endpoint URL")
		pinAPIKey    = flag.String("pin-api-key", "", "pinning service API key")
		pinAPISecret = flag.String("pin-api-secret", "", "pinning service API secret")

		blobDriver = flag.String("blob-driver", blobstore.DriverFS, "document store driver (fs|s3|memory)")
		blobDir    = flag.String("blob-dir", "certificates", "document directory for the fs driver")
		blobBucket = flag.String("blob-bucket", "", "S3 bucket for the s3 driver")
		blobPrefix = flag.String("blob-prefix", "", "S3 key prefix for the s3 driver")

		queueDriver      = flag.String("queue-driver", queue.DriverKafka, "queue driver for issued events (kafka|stdio)")
		queueBrokers     = flag.String("queue-brokers", "", "queue brokers (comma-separated); empty disables event publishing")
		issuedEventTopic = flag.String("issued-event-topic", issuedevent.Topic, "queue topic for issued certificate events")

		maxAttempts        = flag.Int("ledger-max-attempts", 3, "attempts per transient ledger failure")
		retryBackoff       = flag.Duration("ledger-retry-backoff", 500*time.Millisecond, "initial retry backoff, doubled per attempt")
		consistencyTimeout = flag.Duration("consistency-timeout", 30*time.Second, "budget for the post-issuance ledger re-read")
		gasLimitMultiplier = flag.Float64("gas-limit-multiplier", 1.2, "pad applied to gas estimates")
		receiptPoll        = flag.Duration("receipt-poll-interval", 2*time.Second, "transaction receipt poll interval")

		maxUploadBytes     = flag.Int64("max-upload-bytes", 32<<20, "maximum certificate upload size")
		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 30*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 3*time.Minute, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *chainID == 0 || *contractAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --chain-id and --contract-address are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*contractAddr) {
		fmt.Fprintln(os.Stderr, "error: --contract-address must be a valid hex address")
		os.Exit(2)
	}
	if *adminAddr != "" && !common.IsHexAddress(*adminAddr) {
		fmt.Fprintln(os.Stderr, "error: --admin-address must be a valid hex address")
		os.Exit(2)
	}
	if strings.TrimSpace(*issuerKeyHex) != "" && strings.TrimSpace(*issuerKeySecret) != "" {
		fmt.Fprintln(os.Stderr, "error: use only one of --issuer-key-hex or --issuer-key-secret")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *maxAttempts <= 0 || *retryBackoff <= 0 || *consistencyTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: retry settings must be > 0")
		os.Exit(2)
	}
	if *gasLimitMultiplier < 1 || *receiptPoll <= 0 {
		fmt.Fprintln(os.Stderr, "error: --gas-limit-multiplier must be >= 1 and --receipt-poll-interval > 0")
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
	if rpcStatus.Degraded {
		log.Warn("no rpc endpoint responded, starting degraded", "selected", rpcStatus.Selected)
	} else {
		log.Info("rpc endpoint selected", "selected", rpcStatus.Selected, "mode", rpcStatus.Mode)
	}

	ethClient, err := ethclient.DialContext(ctx, rpcStatus.Selected)
	if err != nil {
		log.Error("dial ledger rpc", "url", rpcStatus.Selected, "err", err)
		os.Exit(2)
	}
	defer ethClient.Close()

	var sender *eth.Sender
	keyHex := strings.TrimSpace(*issuerKeyHex)
	if strings.TrimSpace(*issuerKeySecret) != "" {
		provider, provErr := secrets.New(ctx, *secretsDriver)
		if provErr != nil {
			log.Error("init secrets provider", "err", provErr)
			os.Exit(2)
		}
		keyHex, provErr = provider.Get(ctx, strings.TrimSpace(*issuerKeySecret))
		if provErr != nil {
			log.Error("load issuer key", "secret", *issuerKeySecret, "err", provErr)
			os.Exit(2)
		}
	}
	if keyHex != "" {
		key, keyErr := eth.ParsePrivateKeyHex(keyHex)
		if keyErr != nil {
			log.Error("parse issuer key", "err", keyErr)
			os.Exit(2)
		}
		sender, err = eth.NewSender(ethClient, eth.NewLocalSigner(key), eth.SenderConfig{
			ChainID:             new(big.Int).SetUint64(*chainID),
			GasLimitMultiplier:  *gasLimitMultiplier,
			ReceiptPollInterval: *receiptPoll,
		})
		if err != nil {
			log.Error("init transaction sender", "err", err)
			os.Exit(2)
		}
		log.Info("issuance signer loaded", "address", sender.From())
	} else {
		log.Warn("no issuer key configured, running read-only")
	}

	ledgerClient, err := ledger.NewClient(ledger.Config{
		Contract: common.HexToAddress(*contractAddr),
		Backend:  ethClient,
		Sender:   sender,
	})
	if err != nil {
		log.Error("init ledger client", "err", err)
		os.Exit(2)
	}
	if err := ledgerClient.CheckDeployed(ctx); err != nil {
		log.Error("check contract deployment", "contract", *contractAddr, "err", err)
		os.Exit(2)
	}

	var (
		index            certindex.Store
		institutionStore institution.Store
	)
	if strings.TrimSpace(*postgresDSN) != "" {
		pool, poolErr := pgxpool.New(ctx, *postgresDSN)
		if poolErr != nil {
			log.Error("init pgx pool", "err", poolErr)
			os.Exit(2)
		}
		defer pool.Close()

		pgIndex, idxErr := certindexpg.New(pool)
		if idxErr != nil {
			log.Error("init certificate index store", "err", idxErr)
			os.Exit(2)
		}
		if err := pgIndex.EnsureSchema(ctx); err != nil {
			log.Error("ensure certificate index schema", "err", err)
			os.Exit(2)
		}
		index = pgIndex

		pgInst, instErr := institutionpg.New(pool)
		if instErr != nil {
			log.Error("init institution store", "err", instErr)
			os.Exit(2)
		}
		if err := pgInst.EnsureSchema(ctx); err != nil {
			log.Error("ensure institution schema", "err", err)
			os.Exit(2)
		}
		institutionStore = pgInst
	} else {
		log.Warn("no postgres dsn configured, using in-memory stores")
		index = certindex.NewMemoryStore()
		institutionStore = institution.NewMemoryStore()
	}

	pinner, err := pinstore.New(pinstore.Config{
		Driver:    *pinDriver,
		APIURL:    *pinAPIURL,
		APIKey:    *pinAPIKey,
		APISecret: *pinAPISecret,
	})
	if err != nil {
		log.Error("init pinning client", "err", err)
		os.Exit(2)
	}

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
	blobs, err := blobstore.New(blobCfg)
	if err != nil {
		log.Error("init document store", "err", err)
		os.Exit(2)
	}

	var events queue.Producer
	if strings.TrimSpace(*queueBrokers) != "" || *queueDriver == queue.DriverStdio {
		events, err = queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer events.Close()
		log.Info("issued event publishing enabled", "driver", *queueDriver, "topic", *issuedEventTopic)
	}

	pipeline, err := issuer.New(issuer.Config{
		Ledger:             ledgerClient,
		Pinner:             pinner,
		Index:              index,
		Blobs:              blobs,
		Events:             events,
		EventTopic:         *issuedEventTopic,
		MaxAttempts:        *maxAttempts,
		RetryBackoff:       *retryBackoff,
		ConsistencyTimeout: *consistencyTimeout,
		Log:                log,
	})
	if err != nil {
		log.Error("init issuance pipeline", "err", err)
		os.Exit(2)
	}

	registry, err := institution.NewRegistry(institution.RegistryConfig{
		Store:  institutionStore,
		Admin:  common.HexToAddress(*adminAddr),
		Pinner: pinner,
		Ledger: ledgerClient,
		Log:    log,
	})
	if err != nil {
		log.Error("init institution registry", "err", err)
		os.Exit(2)
	}

	handler, err := registryapi.NewHandler(registryapi.Config{
		Issuance:                pipeline,
		Institutions:            registry,
		Admin:                   common.HexToAddress(*adminAddr),
		RPCStatus:               rpcStatus,
		MaxUploadBytes:          *maxUploadBytes,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
	})
	if err != nil {
		log.Error("init registry api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("registry-api listening", "addr", *listenAddr, "contract", *contractAddr, "chainID", *chainID)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
