package image

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ErrNotFound is returned by a Source that does not know a reference.
var ErrNotFound = errors.New("image not found")

// Image is a resolved base image.
type Image struct {
	Ref    Ref
	Digest digest.Digest
	Source string // name of the source that resolved it
	// Tree reports that Digest is already the tree digest of the unpacked
	// filesystem. Archives and docker images are identified otherwise.
	Tree bool

	unpack func(ctx context.Context, dst string) error
}

// Unpack materializes the image filesystem into dst, which must exist.
func (i *Image) Unpack(ctx context.Context, dst string) error {
	if i.unpack == nil {
		return nil
	}
	return i.unpack(ctx, dst)
}

// Source resolves references it knows about.
type Source interface {
	Name() string
	Resolve(ctx context.Context, ref Ref) (*Image, error)
}

// Resolver tries its sources in order and enforces digest pins.
type Resolver struct {
	Sources []Source
}

// NewResolver creates a resolver over the given sources.
func NewResolver(sources ...Source) *Resolver {
	return &Resolver{Sources: sources}
}

// Resolve returns the first source hit for ref. A pinned reference must match
// the digest the source reports.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (*Image, error) {
	if ref.IsScratch() {
		return scratchImage(ref), nil
	}

	var tried []string
	for _, src := range r.Sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := src.Resolve(ctx, ref)
		if errors.Is(err, ErrNotFound) {
			tried = append(tried, src.Name())
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", src.Name(), err)
		}
		if ref.Pinned() && img.Digest != ref.Digest {
			return nil, fmt.Errorf("%s: digest mismatch for %s: pinned %s, found %s", src.Name(), ref.Raw, ref.Digest, img.Digest)
		}
		return img, nil
	}

	if len(tried) == 0 {
		return nil, fmt.Errorf("%s: %w (no image sources configured)", ref.Raw, ErrNotFound)
	}
	return nil, fmt.Errorf("%s: %w (searched: %s)", ref.Raw, ErrNotFound, strings.Join(tried, ", "))
}

// EmptyDigest is the tree digest of an empty filesystem.
var EmptyDigest = digest.Canonical.FromBytes(nil)

func scratchImage(ref Ref) *Image {
	return &Image{Ref: ref, Digest: EmptyDigest, Source: Scratch, Tree: true}
}
