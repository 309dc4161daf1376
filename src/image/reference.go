// Package image resolves base image references to concrete, digest-identified
// filesystem trees that a stage can be seeded from.
package image

import (
	"fmt"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// Scratch is the reserved reference for an empty base filesystem.
const Scratch = "scratch"

// Ref is a parsed base image reference.
type Ref struct {
	Raw    string        // as written in the manifest
	Name   string        // familiar repository name, e.g. "debian" or "quay.io/fedora/fedora-bootc"
	Tag    string        // "latest" when omitted
	Digest digest.Digest // pinned digest, empty when unpinned
}

// IsScratch reports whether the reference names the empty base.
func (r Ref) IsScratch() bool { return r.Raw == Scratch }

// Pinned reports whether the reference carries a digest.
func (r Ref) Pinned() bool { return r.Digest != "" }

func (r Ref) String() string { return r.Raw }

// ParseRef parses a base image reference such as
// "debian:bookworm@sha256:<hex>", "fedora-bootc:41" or "scratch".
func ParseRef(raw string) (Ref, error) {
	if raw == Scratch {
		return Ref{Raw: raw, Name: Scratch}, nil
	}

	named, err := reference.ParseNormalizedNamed(raw)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid image reference %q: %w", raw, err)
	}

	ref := Ref{
		Raw:  raw,
		Name: reference.FamiliarName(named),
		Tag:  "latest",
	}
	if tagged, ok := named.(reference.Tagged); ok {
		ref.Tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		ref.Digest = digested.Digest()
		if err := ref.Digest.Validate(); err != nil {
			return Ref{}, fmt.Errorf("invalid digest in %q: %w", raw, err)
		}
	}
	return ref, nil
}
