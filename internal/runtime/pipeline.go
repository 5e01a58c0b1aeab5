package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/storyteller/internal/artifact"
	"github.com/loqalabs/storyteller/internal/bus"
	"github.com/loqalabs/storyteller/internal/config"
	"github.com/loqalabs/storyteller/internal/credential"
	"github.com/loqalabs/storyteller/internal/eventstore"
	"github.com/loqalabs/storyteller/internal/narrator"
	"github.com/loqalabs/storyteller/internal/natsserver"
	"github.com/loqalabs/storyteller/internal/speech"
	"github.com/loqalabs/storyteller/internal/story"
)

// Pipeline owns every component behind the narrator. Both the server and
// the offline CLI build one.
type Pipeline struct {
	Narrator *narrator.Service
	Store    *artifact.Store
	Events   *eventstore.Store
	Bus      *bus.Client
	embedded *natsserver.EmbeddedServer
	logger   *slog.Logger
}

// BuildPipeline wires the configured components. The credential is evaluated
// here once and shared by both remote clients.
func BuildPipeline(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{logger: logger}

	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return nil, fmt.Errorf("start embedded bus: %w", err)
	}
	p.embedded = embedded

	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, logger)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("connect bus: %w", err)
		}
		p.Bus = client
	}

	events, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("open event store: %w", err)
	}
	p.Events = events

	store, err := artifact.New(cfg.Storage, logger)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	p.Store = store

	cred := credential.New(cfg.Credential.APIKey, logger)

	deps := narrator.Deps{
		Story:   story.NewClient(cfg.Story, cred, logger),
		Speech:  speech.NewClient(cfg.Speech, cred, store, logger),
		Uploads: store,
		Ledger:  events,
		Logger:  logger,
	}
	if p.Bus != nil {
		deps.Publisher = p.Bus
	}
	svc, err := narrator.New(deps)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Narrator = svc
	return p, nil
}

// Healthy reports whether the optional bus connection is usable.
func (p *Pipeline) Healthy() bool {
	return p.Bus == nil || p.Bus.Healthy()
}

func (p *Pipeline) Close() error {
	var errs []error
	if p.Bus != nil {
		p.Bus.Close()
	}
	if p.embedded != nil {
		p.embedded.Shutdown()
	}
	if p.Events != nil {
		if err := p.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	return errors.Join(errs...)
}
