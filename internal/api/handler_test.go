package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/storyteller/internal/artifact"
	"github.com/loqalabs/storyteller/internal/imagecodec"
	"github.com/loqalabs/storyteller/internal/narrator"
	"github.com/loqalabs/storyteller/internal/speech"
	"github.com/loqalabs/storyteller/internal/story"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakePipeline struct {
	storyOut   narrator.StoryOutput
	storyErr   error
	audio      speech.Artifact
	audioErr   error
	gotUpload  narrator.Upload
	gotText    *string
	storyCalls int
}

func (f *fakePipeline) GenerateStory(_ context.Context, up narrator.Upload) (narrator.StoryOutput, error) {
	f.storyCalls++
	f.gotUpload = up
	return f.storyOut, f.storyErr
}

func (f *fakePipeline) GenerateAudio(_ context.Context, text string) (speech.Artifact, error) {
	f.gotText = &text
	return f.audio, f.audioErr
}

func newServer(t *testing.T, p *fakePipeline, opts Options) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	New(p, opts, discard).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", "application/octet-stream")
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGenerateStorySuccess(t *testing.T) {
	p := &fakePipeline{storyOut: narrator.StoryOutput{
		Result:      story.Result{Kind: story.KindStory, Text: "The fox slept."},
		ImageBase64: "aGVsbG8=",
		ImagePath:   "/static/uploads/abc.png",
	}}
	srv := newServer(t, p, Options{})

	body, ct := multipartBody(t, "image", "fox.png", []byte("png bytes"))
	resp, err := http.Post(srv.URL+"/generate_story", ct, body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJSON(t, resp)
	assert.Equal(t, "The fox slept.", got["story"])
	assert.Equal(t, "aGVsbG8=", got["image"])
	assert.Equal(t, "/static/uploads/abc.png", got["image_path"])
	assert.Equal(t, "story", got["outcome"])
	assert.Equal(t, "fox.png", p.gotUpload.Filename)
	assert.Equal(t, []byte("png bytes"), p.gotUpload.Data)
}

func TestGenerateStoryFallbackIsStill200(t *testing.T) {
	p := &fakePipeline{storyOut: narrator.StoryOutput{
		Result: story.Result{Kind: story.KindRejected, StatusCode: 401, Detail: "bad key"},
	}}
	srv := newServer(t, p, Options{})

	body, ct := multipartBody(t, "image", "fox.png", []byte("png bytes"))
	resp, err := http.Post(srv.URL+"/generate_story", ct, body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJSON(t, resp)
	assert.Equal(t, "Error connecting to OpenAI API: Status code 401. bad key", got["story"])
	assert.Equal(t, "rejected", got["outcome"])
}

func TestGenerateStoryMissingField(t *testing.T) {
	p := &fakePipeline{}
	srv := newServer(t, p, Options{})

	body, ct := multipartBody(t, "photo", "fox.png", []byte("png bytes"))
	resp, err := http.Post(srv.URL+"/generate_story", ct, body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No image uploaded", decodeJSON(t, resp)["error"])
	assert.Zero(t, p.storyCalls)
}

func TestGenerateStoryNotMultipart(t *testing.T) {
	srv := newServer(t, &fakePipeline{}, Options{})

	resp, err := http.Post(srv.URL+"/generate_story", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No image uploaded", decodeJSON(t, resp)["error"])
}

func TestGenerateStoryEmptyFilename(t *testing.T) {
	p := &fakePipeline{}
	srv := newServer(t, p, Options{})

	body, ct := multipartBody(t, "image", "", nil)
	resp, err := http.Post(srv.URL+"/generate_story", ct, body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No image selected", decodeJSON(t, resp)["error"])
	assert.Zero(t, p.storyCalls)
}

func TestGenerateStoryTooLarge(t *testing.T) {
	p := &fakePipeline{}
	srv := newServer(t, p, Options{MaxUploadBytes: 1024})

	body, ct := multipartBody(t, "image", "big.png", bytes.Repeat([]byte{1}, 4096))
	resp, err := http.Post(srv.URL+"/generate_story", ct, body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Contains(t, decodeJSON(t, resp), "error")
	assert.Zero(t, p.storyCalls)
}

func TestGenerateStoryDecodeFailure(t *testing.T) {
	p := &fakePipeline{storyErr: fmt.Errorf("decode upload: %w", imagecodec.ErrDecode)}
	srv := newServer(t, p, Options{})

	body, ct := multipartBody(t, "image", "notes.txt", []byte("hello"))
	resp, err := http.Post(srv.URL+"/generate_story", ct, body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, decodeJSON(t, resp)["error"], "cannot decode image")
}

func TestGenerateAudio(t *testing.T) {
	p := &fakePipeline{audio: speech.Artifact{File: artifact.File{PublicPath: "/static/uploads/audio_1_x.mp3"}}}
	srv := newServer(t, p, Options{})

	resp, err := http.Post(srv.URL+"/generate_audio", "application/json", strings.NewReader(`{"text":"Hello"}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/static/uploads/audio_1_x.mp3", decodeJSON(t, resp)["audio_path"])
	require.NotNil(t, p.gotText)
	assert.Equal(t, "Hello", *p.gotText)
}

func TestGenerateAudioEmptyTextIsAccepted(t *testing.T) {
	p := &fakePipeline{audio: speech.Artifact{File: artifact.File{PublicPath: "/static/uploads/a.mp3"}}}
	srv := newServer(t, p, Options{})

	resp, err := http.Post(srv.URL+"/generate_audio", "application/json", strings.NewReader(`{"text":""}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.NotNil(t, p.gotText)
	assert.Equal(t, "", *p.gotText)
}

func TestGenerateAudioMissingText(t *testing.T) {
	for name, body := range map[string]string{
		"no key":   `{"words":"Hello"}`,
		"not json": `Hello`,
		"empty":    ``,
	} {
		t.Run(name, func(t *testing.T) {
			p := &fakePipeline{}
			srv := newServer(t, p, Options{})

			resp, err := http.Post(srv.URL+"/generate_audio", "application/json", strings.NewReader(body))
			require.NoError(t, err)

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "No text provided", decodeJSON(t, resp)["error"])
			assert.Nil(t, p.gotText)
		})
	}
}

func TestGenerateAudioFailure(t *testing.T) {
	p := &fakePipeline{audioErr: fmt.Errorf("synthesize: %w", os.ErrPermission)}
	srv := newServer(t, p, Options{})

	resp, err := http.Post(srv.URL+"/generate_audio", "application/json", strings.NewReader(`{"text":"Hello"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newServer(t, &fakePipeline{}, Options{})

	resp, err := http.Get(srv.URL + "/generate_audio")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audio_1_x.mp3"), []byte{0x00}, 0o644))
	srv := newServer(t, &fakePipeline{}, Options{StaticDir: dir, PublicPrefix: "/static/uploads"})

	resp, err := http.Get(srv.URL + "/static/uploads/audio_1_x.mp3")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte{0x00}, data)

	resp, err = http.Get(srv.URL + "/static/uploads/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
