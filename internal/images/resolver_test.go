package images

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeStore struct {
	blobs    map[string][]byte
	mimes    map[string]string
	delay    time.Duration
	inflight int32
	peak     int32
}

func (f *fakeStore) Fetch(ctx context.Context, key string) ([]byte, string, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	data, ok := f.blobs[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	return data, f.mimes[key], nil
}

func TestResolvePassThrough(t *testing.T) {
	r := NewResolver(&fakeStore{}, 0, nil)
	ctx := context.Background()

	remote := ai.RemoteImage("k1")
	got, err := r.Resolve(ctx, remote, false)
	require.NoError(t, err)
	assert.Equal(t, remote, got, "vision off leaves refs untouched")

	inline := ai.InlineImage("aGk=", "image/png")
	got, err = r.Resolve(ctx, inline, true)
	require.NoError(t, err)
	assert.Equal(t, inline, got)

	u := ai.URLImage("https://img.example/a.png")
	got, err = r.Resolve(ctx, u, true)
	require.NoError(t, err)
	assert.Equal(t, u, got)
}

func TestResolveRemote(t *testing.T) {
	store := &fakeStore{
		blobs: map[string][]byte{"sniffed": pngBytes, "typed": []byte("jpegdata"), "text": []byte("hello")},
		mimes: map[string]string{"typed": "image/jpeg"},
	}
	r := NewResolver(store, 2, nil)
	ctx := context.Background()

	got, err := r.Resolve(ctx, ai.RemoteImage("sniffed"), true)
	require.NoError(t, err)
	assert.Equal(t, ai.ImageInline, got.Kind)
	assert.Equal(t, "image/png", got.MIME)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pngBytes), got.Data)

	got, err = r.Resolve(ctx, ai.RemoteImage("typed"), true)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", got.MIME)

	_, err = r.Resolve(ctx, ai.RemoteImage("missing"), true)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve(ctx, ai.RemoteImage("text"), true)
	assert.Error(t, err)

	_, err = NewResolver(nil, 0, nil).Resolve(ctx, ai.RemoteImage("sniffed"), true)
	assert.Error(t, err)
}

func TestResolveAllPreservesOrderAndDropsFailures(t *testing.T) {
	store := &fakeStore{
		blobs: map[string][]byte{"a": pngBytes, "c": pngBytes, "d": pngBytes},
		delay: 10 * time.Millisecond,
	}
	r := NewResolver(store, 2, nil)

	refs := []ai.ImageRef{
		ai.RemoteImage("a"),
		ai.RemoteImage("missing"),
		ai.URLImage("https://img.example/b.png"),
		ai.RemoteImage("c"),
		ai.RemoteImage("d"),
	}
	got := r.ResolveAll(context.Background(), refs, true)

	require.Len(t, got, 4)
	assert.Equal(t, ai.ImageInline, got[0].Kind)
	assert.Equal(t, ai.ImageURL, got[1].Kind)
	assert.Equal(t, ai.ImageInline, got[2].Kind)
	assert.Equal(t, ai.ImageInline, got[3].Kind)
	assert.LessOrEqual(t, atomic.LoadInt32(&store.peak), int32(2))
}

func TestResolveAllVisionOff(t *testing.T) {
	r := NewResolver(&fakeStore{}, 0, nil)
	refs := []ai.ImageRef{ai.RemoteImage("x")}

	got := r.ResolveAll(context.Background(), refs, false)
	assert.Equal(t, refs, got)
	got[0].Key = "mutated"
	assert.Equal(t, "x", refs[0].Key)

	assert.Nil(t, r.ResolveAll(context.Background(), nil, true))
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "u1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "u1", "cat.png"), pngBytes, 0o644))

	s := NewFileStore(dir)
	ctx := context.Background()

	data, mime, err := s.Fetch(ctx, "u1/cat.png")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
	assert.Equal(t, "image/png", mime)

	_, _, err = s.Fetch(ctx, "u1/dog.png")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.Fetch(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	// traversal is clamped to the root
	_, _, err = s.Fetch(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.Fetch(ctx, "")
	assert.Error(t, err)
}

func TestHTTPStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bucket/u1/my cat.png":
			w.Header().Set("Content-Type", "image/png; charset=binary")
			_, _ = w.Write(pngBytes)
		case "/bucket/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL+"/bucket/", srv.Client())
	ctx := context.Background()

	data, mime, err := s.Fetch(ctx, "u1/my cat.png")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
	assert.Equal(t, "image/png", mime)

	_, _, err = s.Fetch(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.Fetch(ctx, "broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
