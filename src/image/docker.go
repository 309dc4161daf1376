package image

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/sofmeright/stagecraft/src/rootfs"
)

// Docker resolves references through the docker CLI: the image is pulled,
// identified by its image ID, and unpacked by exporting a created container.
type Docker struct {
	Binary string
	Stderr io.Writer
}

// NewDocker creates a docker-backed source.
func NewDocker() *Docker {
	return &Docker{
		Binary: "docker",
		Stderr: os.Stderr,
	}
}

func (d *Docker) Name() string { return "docker" }

// Resolve pulls the reference (docker enforces any pinned digest) and reports
// the local image ID as the digest. A pinned reference is identified by its
// pin, since the image ID differs from the manifest digest. A missing docker
// binary is a miss; a failed pull is an error carrying docker's message.
func (d *Docker) Resolve(ctx context.Context, ref Ref) (*Image, error) {
	if _, err := exec.LookPath(d.Binary); err != nil {
		return nil, ErrNotFound
	}

	if err := d.run(ctx, io.Discard, "pull", "--quiet", ref.Raw); err != nil {
		return nil, fmt.Errorf("pulling %s: %w", ref.Raw, err)
	}

	var out bytes.Buffer
	if err := d.run(ctx, &out, "image", "inspect", "--format", "{{.Id}}", ref.Raw); err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", ref.Raw, err)
	}

	id, err := digest.Parse(strings.TrimSpace(out.String()))
	if err != nil {
		return nil, fmt.Errorf("unexpected image id for %s: %w", ref.Raw, err)
	}
	if ref.Pinned() {
		id = ref.Digest
	}

	return &Image{
		Ref:    ref,
		Digest: id,
		Source: d.Name(),
		unpack: func(ctx context.Context, dst string) error {
			return d.export(ctx, ref.Raw, dst)
		},
	}, nil
}

// export streams `docker export` of a throwaway container into dst.
func (d *Docker) export(ctx context.Context, ref, dst string) error {
	var idBuf bytes.Buffer
	if err := d.run(ctx, &idBuf, "create", ref, "/bin/true"); err != nil {
		return fmt.Errorf("creating container from %s: %w", ref, err)
	}
	id := strings.TrimSpace(idBuf.String())
	defer func() {
		rm := exec.Command(d.Binary, "rm", "--force", id)
		rm.Stdout = io.Discard
		rm.Stderr = io.Discard
		_ = rm.Run()
	}()

	cmd := exec.CommandContext(ctx, d.Binary, "export", id)
	cmd.Stderr = d.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("docker export: %w", err)
	}

	_, extractErr := rootfs.Extract(stdout, dst)
	// Drain so the exporter never blocks on a full pipe after an extract error.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if extractErr != nil {
		return fmt.Errorf("extracting export of %s: %w", ref, extractErr)
	}
	if waitErr != nil {
		return fmt.Errorf("docker export: %w", waitErr)
	}
	return nil
}

// run executes a docker subcommand. Stderr is echoed to d.Stderr and its last
// line is kept in the returned error.
func (d *Docker) run(ctx context.Context, stdout io.Writer, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	if d.Stderr != nil {
		cmd.Stderr = io.MultiWriter(d.Stderr, &stderr)
	}

	err := cmd.Run()
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(stderr.String())
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		msg = msg[i+1:]
	}
	if msg == "" {
		return fmt.Errorf("docker %s: %w", args[0], err)
	}
	return fmt.Errorf("docker %s: %w: %s", args[0], err, msg)
}
