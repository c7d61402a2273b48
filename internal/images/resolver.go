// Package images turns attachment references into transport-ready inline data.
package images

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/logging"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds parallel blob fetches for one turn
const DefaultConcurrency = 4

// ErrNotFound is returned by blob stores for unknown keys
var ErrNotFound = errors.New("blob not found")

// BlobStore fetches the raw bytes behind an opaque storage key. mime may be
// empty when the store does not know it.
type BlobStore interface {
	Fetch(ctx context.Context, key string) (data []byte, mime string, err error)
}

// Resolver resolves RemoteImage references through a BlobStore
type Resolver struct {
	store       BlobStore
	concurrency int
	logger      *logging.Logger
}

// NewResolver creates a resolver. A nil store leaves remote refs unresolvable.
func NewResolver(store BlobStore, concurrency int, logger *logging.Logger) *Resolver {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{store: store, concurrency: concurrency, logger: logger}
}

// Resolve returns ref ready for an adapter. When vision is not required the
// ref is returned unchanged. Inline and URL refs pass through.
func (r *Resolver) Resolve(ctx context.Context, ref ai.ImageRef, visionRequired bool) (ai.ImageRef, error) {
	if !visionRequired || ref.Kind != ai.ImageRemote {
		return ref, nil
	}
	if r.store == nil {
		return ref, fmt.Errorf("no blob store configured for key %q", ref.Key)
	}

	data, mime, err := r.store.Fetch(ctx, ref.Key)
	if err != nil {
		return ref, fmt.Errorf("fetch %q: %w", ref.Key, err)
	}
	if len(data) == 0 {
		return ref, fmt.Errorf("fetch %q: empty blob", ref.Key)
	}
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mime, "image/") {
		return ref, fmt.Errorf("blob %q is %s, not an image", ref.Key, mime)
	}
	return ai.InlineImage(base64.StdEncoding.EncodeToString(data), mime), nil
}

// ResolveAll resolves refs concurrently and preserves their order. Failed
// images are logged and dropped; the turn still goes out.
func (r *Resolver) ResolveAll(ctx context.Context, refs []ai.ImageRef, visionRequired bool) []ai.ImageRef {
	if len(refs) == 0 {
		return nil
	}
	if !visionRequired {
		out := make([]ai.ImageRef, len(refs))
		copy(out, refs)
		return out
	}

	resolved := make([]ai.ImageRef, len(refs))
	ok := make([]bool, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			out, err := r.Resolve(gctx, ref, true)
			if err != nil {
				r.logger.Warn("[Images] Dropping attachment %d: %v", i, err)
				return nil
			}
			resolved[i], ok[i] = out, true
			return nil
		})
	}
	_ = g.Wait()

	out := make([]ai.ImageRef, 0, len(refs))
	for i := range resolved {
		if ok[i] {
			out = append(out, resolved[i])
		}
	}
	return out
}
