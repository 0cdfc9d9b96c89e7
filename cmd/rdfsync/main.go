// rdfsync keeps a SPARQL-queryable RDF store synchronized with an SSE
// change-event stream of linked-data mutations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	mbp "go.rdfsync.dev/core/mainboilerplate"
	"go.rdfsync.dev/core/metrics"
	"go.rdfsync.dev/core/pipeline"
	"go.rdfsync.dev/core/store"
	"go.rdfsync.dev/core/stream"
	"go.rdfsync.dev/core/txcache"
)

const iniFilename = "rdfsync.ini"

// Config is the top-level configuration object of rdfsync.
var Config = new(struct {
	Stream stream.Config `group:"Stream" namespace:"stream" env-namespace:"STREAM"`
	Store  store.Config  `group:"Store" namespace:"store" env-namespace:"STORE"`

	Sync struct {
		BatchSize   int           `long:"batch-size" env:"BATCH_SIZE" default:"100000" description:"Group up to this many events into one update transaction"`
		MaxMessages int           `long:"max-messages" env:"MAX_MESSAGES" default:"0" description:"Process exactly this many events and then exit (0 = unbounded)"`
		LagWindow   time.Duration `long:"lag-window" env:"LAG_WINDOW" default:"1s" description:"Close the current batch when an event is within this window of the current time"`
		Since       string        `long:"since" env:"SINCE" description:"Consume events since this date (default: derive from the store)"`
		Until       string        `long:"until" env:"UNTIL" description:"Stop when reaching this date (default: continue indefinitely)"`
		Offset      int64         `long:"offset" env:"OFFSET" default:"-1" description:"Consume events starting from this offset (default: derive from the store)"`
		DatePolicy  string        `long:"date-policy" env:"DATE_POLICY" default:"max" choice:"min" choice:"max" description:"Write the batch's min or max date as the completeness watermark"`
		Cooldown    time.Duration `long:"cooldown" env:"COOLDOWN" default:"5m" description:"Wait this long between batches closed by the lag window"`
		NoCheck     bool          `long:"no-check-offset" env:"NO_CHECK_OFFSET" description:"Disable the pre-batch offset check"`
		NoRewind    bool          `long:"no-rewind" env:"NO_REWIND" description:"Fail instead of rewinding when the stream is ahead of the store"`
		MaxRetries  int           `long:"max-retries" env:"MAX_RETRIES" default:"10" description:"Number of attempts for failed remote interactions"`
		CacheDir    string        `long:"cache-dir" env:"CACHE_DIR" description:"Cache built update transactions under this directory (default: off)"`
	} `group:"Sync" namespace:"sync" env-namespace:"SYNC"`

	Log     mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Metrics struct {
		Port string `long:"port" env:"PORT" description:"Serve prometheus metrics on this port (e.g. :8080; default: off)"`
	} `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`
})

type cmdSync struct{}

func (cmdSync) Execute(args []string) error {
	mbp.InitLog(Config.Log)
	mbp.InitMetrics(Config.Metrics.Port)
	prometheus.MustRegister(metrics.SyncCollectors()...)

	var cfg = pipeline.Config{
		Topic:       Config.Stream.Topic,
		Partition:   Config.Stream.Partition,
		BatchSize:   Config.Sync.BatchSize,
		MaxMessages: Config.Sync.MaxMessages,
		LagWindow:   Config.Sync.LagWindow,
		StartOffset: Config.Sync.Offset,
		CheckOffset: !Config.Sync.NoCheck,
		Rewind:      !Config.Sync.NoRewind,
		MaxRetries:  Config.Sync.MaxRetries,
		Cooldown:    Config.Sync.Cooldown,
	}

	cfg.Since = parseDate(Config.Sync.Since)
	cfg.Until = parseDate(Config.Sync.Until)

	var ok bool
	if cfg.DatePolicy, ok = pipeline.ParseDatePolicy(Config.Sync.DatePolicy); !ok {
		log.WithField("policy", Config.Sync.DatePolicy).Fatal("unrecognized date policy")
	}

	var cache *txcache.Cache
	if Config.Sync.CacheDir != "" {
		cache = txcache.New(Config.Sync.CacheDir)
	}

	var src = stream.NewSource(Config.Stream, Config.Sync.MaxRetries)
	defer src.Close()

	var p = pipeline.New(cfg, src, store.NewClient(Config.Store), cache)

	// The first signal requests a graceful stop: a started batch runs to a
	// natural close and is applied. A second signal aborts hard.
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var signalCh = make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signalCh
		log.Warn("signal received; finishing the current batch (signal again to abort)")
		p.Stop()
		<-signalCh
		log.Warn("second signal received; aborting")
		cancel()
	}()

	if err := p.Run(ctx); err != nil {
		log.WithField("err", err).Error("replication failed")
		return err
	}
	log.Info("goodbye")
	return nil
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	var t, err = time.Parse(time.RFC3339, s)
	if err != nil {
		log.WithFields(log.Fields{"date": s, "err": err}).Fatal("unrecognized date (use RFC 3339, e.g. 2025-01-02T15:04:05Z)")
	}
	return t.UTC()
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("sync", "Replicate the change stream into the store", `
Consume the configured SSE change stream and apply its mutations to the
target store in batched update transactions, until signaled to exit or a
configured horizon is reached. Progress is checkpointed inside the store
itself; rdfsync keeps no durable state of its own.
`, &cmdSync{})

	mbp.MustParseConfig(parser, iniFilename)
}
