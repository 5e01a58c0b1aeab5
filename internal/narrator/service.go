// Package narrator runs the two pipelines of the service: picture to story
// and text to audio. It wraps the remote clients with tracing, metrics, the
// generation ledger and bus notifications.
package narrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/storyteller/internal/artifact"
	"github.com/loqalabs/storyteller/internal/eventstore"
	"github.com/loqalabs/storyteller/internal/imagecodec"
	"github.com/loqalabs/storyteller/internal/protocol"
	"github.com/loqalabs/storyteller/internal/speech"
	"github.com/loqalabs/storyteller/internal/story"
)

const instrumentationName = "github.com/loqalabs/storyteller/internal/narrator"

type StoryGenerator interface {
	GenerateEncoded(ctx context.Context, img imagecodec.Encoded) story.Result
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (speech.Artifact, error)
}

type UploadStore interface {
	SaveUpload(data []byte, ext string) (artifact.File, error)
}

type Ledger interface {
	Append(ctx context.Context, rec eventstore.Record) error
}

type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Deps collects the collaborators of a Service. Ledger and Publisher are
// optional.
type Deps struct {
	Story     StoryGenerator
	Speech    Synthesizer
	Uploads   UploadStore
	Ledger    Ledger
	Publisher Publisher
	Logger    *slog.Logger
}

// Upload is a picture received from a client.
type Upload struct {
	Filename string
	Data     []byte
}

// StoryOutput is everything the story endpoint returns.
type StoryOutput struct {
	Result      story.Result
	ImageBase64 string
	ImagePath   string
}

type Service struct {
	story     StoryGenerator
	speech    Synthesizer
	uploads   UploadStore
	ledger    Ledger
	publisher Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   instruments
}

func New(deps Deps) (*Service, error) {
	if deps.Story == nil || deps.Speech == nil || deps.Uploads == nil {
		return nil, errors.New("narrator: story, speech and uploads are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "narrator"))
	return &Service{
		story:     deps.Story,
		speech:    deps.Speech,
		uploads:   deps.Uploads,
		ledger:    deps.Ledger,
		publisher: deps.Publisher,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		metrics:   newInstruments(otel.Meter(instrumentationName), logger),
	}, nil
}

// GenerateStory decodes the upload, stores it and asks for a story. An error
// is returned only for input that is not a picture or for local storage
// failures; remote problems are carried in the Result.
func (s *Service) GenerateStory(ctx context.Context, up Upload) (StoryOutput, error) {
	ctx, span := s.tracer.Start(ctx, "narrator.GenerateStory")
	defer span.End()
	start := time.Now()

	img, format, err := imagecodec.Decode(bytes.NewReader(up.Data))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		return StoryOutput{}, fmt.Errorf("decode upload %q: %w", up.Filename, err)
	}
	span.SetAttributes(attribute.String("image.format", format), attribute.Int("image.bytes", len(up.Data)))

	file, err := s.uploads.SaveUpload(up.Data, imagecodec.ExtensionFor(format))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store upload")
		return StoryOutput{}, fmt.Errorf("store upload: %w", err)
	}

	encoded, err := imagecodec.Encode(img)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode image")
		return StoryOutput{}, fmt.Errorf("encode image: %w", err)
	}

	result := s.story.GenerateEncoded(ctx, encoded)

	latency := time.Since(start)
	span.SetAttributes(attribute.String("story.kind", string(result.Kind)))
	s.metrics.storyResult(ctx, result.Kind)
	s.metrics.latency(ctx, "story", latency)

	s.record(ctx, eventstore.Record{
		Kind:         eventstore.KindStory,
		Outcome:      string(result.Kind),
		ArtifactPath: file.PublicPath,
		Detail:       result.Detail,
		Latency:      latency,
	})
	s.publish(protocol.SubjectStoryGenerated, protocol.StoryGenerated{
		Outcome:   string(result.Kind),
		ImagePath: file.PublicPath,
		Chars:     len(result.Text),
		LatencyMS: latency.Milliseconds(),
		Timestamp: time.Now().UTC(),
	})

	s.logger.Info("story request handled",
		slog.String("outcome", string(result.Kind)),
		slog.String("image", file.Name),
		slog.Duration("latency", latency),
	)

	return StoryOutput{
		Result:      result,
		ImageBase64: encoded.Base64,
		ImagePath:   file.PublicPath,
	}, nil
}

// GenerateAudio narrates text. The artifact always points at an existing
// file unless an error is returned.
func (s *Service) GenerateAudio(ctx context.Context, text string) (speech.Artifact, error) {
	ctx, span := s.tracer.Start(ctx, "narrator.GenerateAudio")
	defer span.End()
	start := time.Now()
	span.SetAttributes(attribute.Int("text.chars", len(text)))

	art, err := s.speech.Synthesize(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesize")
		return speech.Artifact{}, err
	}

	latency := time.Since(start)
	span.SetAttributes(attribute.Bool("audio.placeholder", art.Placeholder))
	s.metrics.audioResult(ctx, art.Placeholder)
	s.metrics.latency(ctx, "audio", latency)

	outcome := "audio"
	var cause string
	if art.Placeholder {
		outcome = "placeholder"
		if art.Cause != nil {
			cause = art.Cause.Error()
		}
	}
	s.record(ctx, eventstore.Record{
		Kind:         eventstore.KindAudio,
		Outcome:      outcome,
		ArtifactPath: art.PublicPath,
		Detail:       cause,
		Latency:      latency,
	})
	s.publish(protocol.SubjectAudioSynthesized, protocol.AudioSynthesized{
		AudioPath:   art.PublicPath,
		Bytes:       art.Bytes,
		Placeholder: art.Placeholder,
		Cause:       cause,
		LatencyMS:   latency.Milliseconds(),
		Timestamp:   time.Now().UTC(),
	})

	s.logger.Info("audio request handled",
		slog.String("outcome", outcome),
		slog.String("file", art.Name),
		slog.Duration("latency", latency),
	)
	return art, nil
}

func (s *Service) record(ctx context.Context, rec eventstore.Record) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Append(ctx, rec); err != nil {
		s.logger.Warn("failed to record generation", slog.String("kind", rec.Kind), slogError(err))
	}
}

func (s *Service) publish(subject string, v any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
