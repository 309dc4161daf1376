package modules

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/sofmeright/stagecraft/src/lint"
	"github.com/sofmeright/stagecraft/src/rootfs"
)

func init() {
	lint.Register("scripts", func() lint.Module { return &scriptsModule{} })
}

// scriptsModule checks the "#!" line of executable files: the interpreter
// must exist inside the image and the line must not end in CRLF, which makes
// the kernel look for an interpreter named "sh\r". Problems are critical for
// declared entrypoints and warnings elsewhere.
type scriptsModule struct{}

func (m *scriptsModule) Name() string        { return "scripts" }
func (m *scriptsModule) DefaultEnabled() bool { return true }

func (m *scriptsModule) Check(ctx context.Context, t *lint.Target, file lint.FileInfo) ([]lint.Finding, error) {
	if !file.Mode.IsRegular() || file.Mode.Perm()&0o111 == 0 {
		return nil, nil
	}
	line, err := shebang(file.AbsPath)
	if err != nil || line == nil {
		return nil, err
	}

	severity := lint.SeverityWarning
	for _, ep := range t.Entrypoints {
		if rootfs.Clean(ep) == file.Path {
			severity = lint.SeverityCritical
			break
		}
	}
	finding := func(msg string) lint.Finding {
		return lint.Finding{File: file.Path, Line: 1, Module: m.Name(), Severity: severity, Message: msg}
	}

	if bytes.HasSuffix(line, []byte("\r")) {
		return []lint.Finding{finding("interpreter line ends in CRLF")}, nil
	}
	fields := strings.Fields(string(line[2:]))
	if len(fields) == 0 {
		return []lint.Finding{finding("empty interpreter line")}, nil
	}
	interp := fields[0]
	if !strings.HasPrefix(interp, "/") {
		return []lint.Finding{finding("interpreter " + interp + " is not an absolute path")}, nil
	}
	host, err := rootfs.Join(t.Root, interp)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(host); err != nil {
		return []lint.Finding{finding("interpreter " + interp + " not found in image")}, nil
	}
	return nil, nil
}

// shebang returns the first line of the file when it starts with "#!",
// without the trailing newline.
func shebang(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 256)
	head, err := r.Peek(2)
	if err != nil || !bytes.Equal(head, []byte("#!")) {
		return nil, nil
	}
	line, err := r.ReadSlice('\n')
	if err != nil && err != bufio.ErrBufferFull && len(line) == 0 {
		return nil, err
	}
	return bytes.TrimSuffix(line, []byte("\n")), nil
}
