package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/Postbox/internal/api"
	"github.com/BTreeMap/Postbox/internal/gate"
	"github.com/BTreeMap/Postbox/internal/jobqueue"
	"github.com/BTreeMap/Postbox/internal/jobs"
	"github.com/BTreeMap/Postbox/internal/lifecycle"
	"github.com/BTreeMap/Postbox/internal/lockfile"
	"github.com/BTreeMap/Postbox/internal/sleeper"
	"github.com/BTreeMap/Postbox/internal/store"
	"github.com/BTreeMap/Postbox/internal/twiliowhatsapp"
	"github.com/BTreeMap/Postbox/internal/util"
	"github.com/BTreeMap/Postbox/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Postbox state data
	DefaultStateDir = "/var/lib/postbox"
	// DefaultJobsDBFileName is the default SQLite database for jobs and items
	DefaultJobsDBFileName = "postbox.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for whatsmeow
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultShutdownTimeout bounds how long running jobs get to finish
	DefaultShutdownTimeout = 30 * time.Second
)

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping Postbox", "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("Postbox failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Postbox exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir     string
	JobsDSN      string
	WhatsAppDSN  string
	APIAddr      string
	LogLevel     string
	MaxRetryTime time.Duration
	NumericCode  bool
	AutoRead     bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput     *string
	numeric      *bool
	stateDir     *string
	jobsDSN      *string
	whatsappDSN  *string
	apiAddr      *string
	logLevel     *string
	maxRetryTime *time.Duration
	autoRead     *bool
}

// initializeLogger installs a text handler at the given level.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:     os.Getenv("POSTBOX_STATE_DIR"),
		JobsDSN:      os.Getenv("POSTBOX_DB_DSN"),
		WhatsAppDSN:  os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:      os.Getenv("API_ADDR"),
		LogLevel:     os.Getenv("POSTBOX_LOG_LEVEL"),
		MaxRetryTime: util.ParseDurationEnv("POSTBOX_MAX_RETRY_TIME", jobs.DefaultMaxRetryTime),
		NumericCode:  util.ParseBoolEnv("POSTBOX_NUMERIC_CODE", false),
		AutoRead:     util.ParseBoolEnv("POSTBOX_AUTO_READ", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	// DATABASE_URL is the conventional name for the jobs database.
	if config.JobsDSN == "" {
		config.JobsDSN = os.Getenv("DATABASE_URL")
	}
	if config.JobsDSN == "" {
		config.JobsDSN = filepath.Join(config.StateDir, DefaultJobsDBFileName)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:     flag.String("qr-output", "", "path to write login QR code"),
		numeric:      flag.Bool("numeric-code", config.NumericCode, "print the raw pairing code instead of a QR code (overrides $POSTBOX_NUMERIC_CODE)"),
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for Postbox data (overrides $POSTBOX_STATE_DIR)"),
		jobsDSN:      flag.String("db-dsn", config.JobsDSN, "jobs database DSN (overrides $POSTBOX_DB_DSN or $DATABASE_URL)"),
		whatsappDSN:  flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow database DSN (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "local API address (overrides $API_ADDR)"),
		logLevel:     flag.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $POSTBOX_LOG_LEVEL)"),
		maxRetryTime: flag.Duration("max-retry-time", config.MaxRetryTime, "how long network jobs keep retrying (overrides $POSTBOX_MAX_RETRY_TIME)"),
		autoRead:     flag.Bool("auto-read", config.AutoRead, "send read receipts for incoming messages (overrides $POSTBOX_AUTO_READ)"),
	}
	flag.Parse()

	// Follow a moved state dir unless the DSNs were set explicitly.
	if *flags.stateDir != config.StateDir {
		if *flags.jobsDSN == filepath.Join(config.StateDir, DefaultJobsDBFileName) {
			*flags.jobsDSN = filepath.Join(*flags.stateDir, DefaultJobsDBFileName)
		}
		if *flags.whatsappDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
	}
	return flags
}

// transport is what the queues need from a messaging backend.
type transport interface {
	jobqueue.Connectivity
	jobqueue.LinkState
	jobs.MessageSender
	jobs.ReceiptSender
}

func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	storageReady := lifecycle.NewBarrier("storage")
	storageReady.OnReady(func() { slog.Info("Postbox: job storage ready") })

	st, err := store.Open(*flags.jobsDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	storageReady.Open()

	tr, waClient, err := openTransport(ctx, flags)
	if err != nil {
		return err
	}
	if waClient != nil {
		defer waClient.Disconnect()
	}

	sl := sleeper.New()
	reg := jobqueue.NewRegistry()
	queues, err := jobs.NewQueues(jobs.Deps{
		Store:   st,
		Gate:    gate.New(),
		Sleeper: sl,
		Guard: &jobqueue.Guard{
			Connectivity: tr,
			Link:         tr,
			Storage:      storageReady,
			Sleeper:      sl,
		},
		Storage:      storageReady,
		Messages:     tr,
		Receipts:     tr,
		MaxRetryTime: *flags.maxRetryTime,
		OnMessageGiveUp: func(d jobs.ConversationJobData, reason error) {
			slog.Warn("Postbox: message not delivered",
				"conversation", d.ConversationID, "messageID", d.MessageID, "type", d.Type, "reason", reason)
		},
	}, reg)
	if err != nil {
		return fmt.Errorf("build queues: %w", err)
	}
	if err := reg.StartAll(ctx); err != nil {
		return fmt.Errorf("start queues: %w", err)
	}

	if waClient != nil && *flags.autoRead {
		go forwardReadReceipts(ctx, waClient.Incoming(), queues.Receipts)
	}

	apiOpts := []api.Option{api.WithAddr(*flags.apiAddr)}
	if waClient != nil {
		apiOpts = append(apiOpts, api.WithRecipientValidator(func(to string) error {
			_, err := whatsapp.ParseRecipient(to)
			return err
		}))
	}
	server := api.NewServer(api.Backend{
		Conversation: queues.Conversation,
		Receipts:     queues.Receipts,
		StorageKeys:  queues.RemoveStorageKey,
		Items:        st,
		Status:       tr,
	}, apiOpts...)
	serveErr := server.Run(ctx)

	// Wake every backoff sleep so running attempts can wind down.
	sl.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	shutdownErr := reg.ShutdownAll(shutdownCtx)
	if shutdownErr != nil {
		slog.Warn("Postbox: queues did not drain before timeout", "error", shutdownErr)
	}
	return errors.Join(serveErr, shutdownErr)
}

// openTransport picks Twilio when its credentials are set and a linked
// WhatsApp device otherwise. The second result is non-nil only for
// WhatsApp.
func openTransport(ctx context.Context, flags Flags) (transport, *whatsapp.Client, error) {
	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		tw, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("twilio transport: %w", err)
		}
		slog.Info("Postbox: using Twilio transport")
		return tw, nil, nil
	}

	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	wa, err := whatsapp.NewClient(ctx, waOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("whatsapp transport: %w", err)
	}
	slog.Info("Postbox: using WhatsApp transport")
	return wa, wa, nil
}

// receiptsAdder is the producer side of the receipts queue.
type receiptsAdder interface {
	Add(ctx context.Context, data jobs.ReceiptsJobData) (*jobqueue.Job[jobs.ReceiptsJobData], error)
}

// forwardReadReceipts queues a read receipt for every incoming message until
// ctx ends or incoming is closed.
func forwardReadReceipts(ctx context.Context, incoming <-chan whatsapp.IncomingMessage, q receiptsAdder) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			data := jobs.ReceiptsJobData{
				Type: jobs.ReceiptRead,
				Receipts: []jobs.Receipt{{
					ChatID:    msg.ChatID,
					SenderID:  msg.SenderID,
					MessageID: msg.MessageID,
					Timestamp: time.Now().UnixMilli(),
				}},
			}
			if _, err := q.Add(ctx, data); err != nil {
				slog.Error("Postbox: failed to queue read receipt",
					"chat", msg.ChatID, "messageID", msg.MessageID, "error", err)
				continue
			}
			slog.Debug("Postbox: read receipt queued", "chat", msg.ChatID, "messageID", msg.MessageID)
		}
	}
}
