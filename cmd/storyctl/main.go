package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/storyteller/internal/bus"
	"github.com/loqalabs/storyteller/internal/config"
	"github.com/loqalabs/storyteller/internal/eventstore"
	"github.com/loqalabs/storyteller/internal/narrator"
	"github.com/loqalabs/storyteller/internal/protocol"
	"github.com/loqalabs/storyteller/internal/runtime"
)

var version = "0.1.0-dev"

const usage = "expected 'story', 'speak', 'history', 'watch' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "story":
		err = runStory(ctx, os.Args[2:], os.Stdout)
	case "speak":
		err = runSpeak(ctx, os.Args[2:], os.Stdout)
	case "history":
		err = runHistory(ctx, os.Args[2:], os.Stdout)
	case "watch":
		err = runWatch(ctx, os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; %s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type commonFlags struct {
	configPath string
	envFile    string
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&c.envFile, "env-file", ".env", "Optional dotenv file")
	fs.BoolVar(&c.verbose, "v", false, "Log to stderr")
}

func (c *commonFlags) load() (config.Config, *slog.Logger, error) {
	var out io.Writer = io.Discard
	if c.verbose {
		out = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if err := config.LoadDotEnv(c.envFile); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func runStory(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("story", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	imagePath := fs.String("image", "", "Path to the picture")
	asJSON := fs.Bool("json", false, "Print the full result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" {
		return errors.New("story: -image is required")
	}

	data, err := os.ReadFile(*imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	pipeline, err := runtime.BuildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	res, err := pipeline.Narrator.GenerateStory(ctx, narrator.Upload{Filename: filepath.Base(*imagePath), Data: data})
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"story":      res.Result.Message(),
			"outcome":    string(res.Result.Kind),
			"image_path": res.ImagePath,
		})
	}
	_, err = fmt.Fprintln(out, res.Result.Message())
	return err
}

func runSpeak(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("speak", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	text := fs.String("text", "", "Text to narrate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *text == "" {
		return errors.New("speak: -text is required")
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	pipeline, err := runtime.BuildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	art, err := pipeline.Narrator.GenerateAudio(ctx, *text)
	if err != nil {
		return err
	}
	if art.Placeholder {
		fmt.Fprintf(os.Stderr, "speech unavailable (%v); wrote placeholder\n", art.Cause)
	}
	_, err = fmt.Fprintln(out, art.Path)
	return err
}

func runHistory(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	kind := fs.String("kind", "", "Filter by kind (story or audio)")
	limit := fs.Int("limit", 20, "Maximum number of records")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(ctx, *kind, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tOUTCOME\tLATENCY\tARTIFACT")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format(time.DateTime), r.Kind, r.Outcome, r.Latency, r.ArtifactPath)
	}
	return tw.Flush()
}

func runWatch(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := client.Subscribe(protocol.SubjectAll, forwardTo(ctx, msgs))
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			fmt.Fprintf(out, "%s %s\n", m.Subject, m.Data)
		}
	}
}

// forwardTo hands messages to msgs and drops them once ctx is done, so the
// subscription callback never blocks past shutdown.
func forwardTo(ctx context.Context, msgs chan<- *nats.Msg) nats.MsgHandler {
	return func(m *nats.Msg) {
		select {
		case msgs <- m:
		case <-ctx.Done():
		}
	}
}
