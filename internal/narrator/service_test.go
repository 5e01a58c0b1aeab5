package narrator

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/loqalabs/storyteller/internal/artifact"
	"github.com/loqalabs/storyteller/internal/eventstore"
	"github.com/loqalabs/storyteller/internal/imagecodec"
	"github.com/loqalabs/storyteller/internal/protocol"
	"github.com/loqalabs/storyteller/internal/speech"
	"github.com/loqalabs/storyteller/internal/story"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStory struct {
	result story.Result
	calls  int
	sent   imagecodec.Encoded
}

func (f *fakeStory) GenerateEncoded(_ context.Context, img imagecodec.Encoded) story.Result {
	f.calls++
	f.sent = img
	return f.result
}

type fakeSpeech struct {
	res speech.Artifact
	err error
}

func (f *fakeSpeech) Synthesize(_ context.Context, _ string) (speech.Artifact, error) {
	return f.res, f.err
}

type fakeUploads struct {
	saved [][]byte
	ext   string
	err   error
}

func (f *fakeUploads) SaveUpload(data []byte, ext string) (artifact.File, error) {
	if f.err != nil {
		return artifact.File{}, f.err
	}
	f.saved = append(f.saved, data)
	f.ext = ext
	name := "abc" + ext
	return artifact.File{Name: name, Path: "/tmp/" + name, PublicPath: "/static/uploads/" + name}, nil
}

type fakeLedger struct {
	records []eventstore.Record
	err     error
}

func (f *fakeLedger) Append(_ context.Context, rec eventstore.Record) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

type published struct {
	subject string
	payload any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) PublishJSON(subject string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, payload: v})
	return nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 6))
	img.Set(2, 2, color.RGBA{G: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func installTelemetry(t *testing.T) (*sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	return reader, recorder
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestGenerateStory(t *testing.T) {
	reader, recorder := installTelemetry(t)

	gen := &fakeStory{result: story.Result{Kind: story.KindStory, Text: "A tale."}}
	uploads := &fakeUploads{}
	ledger := &fakeLedger{}
	pub := &fakePublisher{}
	svc, err := New(Deps{Story: gen, Speech: &fakeSpeech{}, Uploads: uploads, Ledger: ledger, Publisher: pub, Logger: discard})
	require.NoError(t, err)

	data := pngBytes(t)
	out, err := svc.GenerateStory(context.Background(), Upload{Filename: "cat.png", Data: data})
	require.NoError(t, err)

	assert.Equal(t, "A tale.", out.Result.Message())
	assert.Equal(t, "/static/uploads/abc.png", out.ImagePath)
	assert.NotEmpty(t, out.ImageBase64)
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, "image/jpeg", gen.sent.MIMEType)
	assert.Equal(t, gen.sent.Base64, out.ImageBase64)
	require.Len(t, uploads.saved, 1)
	assert.Equal(t, data, uploads.saved[0])
	assert.Equal(t, ".png", uploads.ext)

	require.Len(t, ledger.records, 1)
	assert.Equal(t, eventstore.KindStory, ledger.records[0].Kind)
	assert.Equal(t, "story", ledger.records[0].Outcome)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, protocol.SubjectStoryGenerated, pub.msgs[0].subject)
	event, ok := pub.msgs[0].payload.(protocol.StoryGenerated)
	require.True(t, ok)
	assert.Equal(t, 7, event.Chars)

	assert.Equal(t, int64(1), counterValue(t, reader, "storyteller.story.results", attribute.String("kind", "story")))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "narrator.GenerateStory", spans[0].Name())
}

func TestGenerateStoryFallbackIsNotAnError(t *testing.T) {
	reader, _ := installTelemetry(t)

	gen := &fakeStory{result: story.Result{Kind: story.KindUnconfigured}}
	svc, err := New(Deps{Story: gen, Speech: &fakeSpeech{}, Uploads: &fakeUploads{}, Logger: discard})
	require.NoError(t, err)

	out, err := svc.GenerateStory(context.Background(), Upload{Filename: "cat.png", Data: pngBytes(t)})
	require.NoError(t, err)
	assert.False(t, out.Result.OK())
	assert.Equal(t, story.UnconfiguredMessage, out.Result.Message())
	assert.Equal(t, int64(1), counterValue(t, reader, "storyteller.story.results", attribute.String("kind", "unconfigured")))
}

func TestGenerateStoryRejectsNonImage(t *testing.T) {
	installTelemetry(t)

	gen := &fakeStory{}
	uploads := &fakeUploads{}
	svc, err := New(Deps{Story: gen, Speech: &fakeSpeech{}, Uploads: uploads, Logger: discard})
	require.NoError(t, err)

	_, err = svc.GenerateStory(context.Background(), Upload{Filename: "notes.txt", Data: []byte("hello")})
	require.Error(t, err)
	assert.ErrorIs(t, err, imagecodec.ErrDecode)
	assert.Zero(t, gen.calls)
	assert.Empty(t, uploads.saved)
}

func TestGenerateStoryUploadFailure(t *testing.T) {
	installTelemetry(t)

	gen := &fakeStory{}
	svc, err := New(Deps{Story: gen, Speech: &fakeSpeech{}, Uploads: &fakeUploads{err: errors.New("disk full")}, Logger: discard})
	require.NoError(t, err)

	_, err = svc.GenerateStory(context.Background(), Upload{Filename: "cat.png", Data: pngBytes(t)})
	require.Error(t, err)
	assert.Zero(t, gen.calls)
}

func TestRecordingFailuresDoNotChangeResult(t *testing.T) {
	installTelemetry(t)

	gen := &fakeStory{result: story.Result{Kind: story.KindStory, Text: "Still here."}}
	svc, err := New(Deps{
		Story:     gen,
		Speech:    &fakeSpeech{},
		Uploads:   &fakeUploads{},
		Ledger:    &fakeLedger{err: errors.New("database is locked")},
		Publisher: &fakePublisher{err: errors.New("nats: connection closed")},
		Logger:    discard,
	})
	require.NoError(t, err)

	out, err := svc.GenerateStory(context.Background(), Upload{Filename: "cat.png", Data: pngBytes(t)})
	require.NoError(t, err)
	assert.Equal(t, "Still here.", out.Result.Message())
}

func TestGenerateAudio(t *testing.T) {
	reader, _ := installTelemetry(t)

	file := artifact.File{Name: "audio_1_x.mp3", Path: "/tmp/audio_1_x.mp3", PublicPath: "/static/uploads/audio_1_x.mp3"}
	synth := &fakeSpeech{res: speech.Artifact{File: file, Bytes: 1, Placeholder: true, Cause: speech.ErrRejected}}
	ledger := &fakeLedger{}
	pub := &fakePublisher{}
	svc, err := New(Deps{Story: &fakeStory{}, Speech: synth, Uploads: &fakeUploads{}, Ledger: ledger, Publisher: pub, Logger: discard})
	require.NoError(t, err)

	art, err := svc.GenerateAudio(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "/static/uploads/audio_1_x.mp3", art.PublicPath)

	require.Len(t, ledger.records, 1)
	assert.Equal(t, "placeholder", ledger.records[0].Outcome)
	assert.Equal(t, speech.ErrRejected.Error(), ledger.records[0].Detail)

	require.Len(t, pub.msgs, 1)
	event, ok := pub.msgs[0].payload.(protocol.AudioSynthesized)
	require.True(t, ok)
	assert.True(t, event.Placeholder)

	assert.Equal(t, int64(1), counterValue(t, reader, "storyteller.audio.results", attribute.Bool("placeholder", true)))
}

func TestGenerateAudioPropagatesDiskFailure(t *testing.T) {
	installTelemetry(t)

	ledger := &fakeLedger{}
	svc, err := New(Deps{Story: &fakeStory{}, Speech: &fakeSpeech{err: errors.New("read-only file system")}, Uploads: &fakeUploads{}, Ledger: ledger, Logger: discard})
	require.NoError(t, err)

	_, err = svc.GenerateAudio(context.Background(), "Hello")
	assert.Error(t, err)
	assert.Empty(t, ledger.records)
}

func TestNewRequiresClients(t *testing.T) {
	_, err := New(Deps{Logger: discard})
	assert.Error(t, err)
}
