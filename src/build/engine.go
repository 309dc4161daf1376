package build

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sofmeright/stagecraft/src/fetch"
	"github.com/sofmeright/stagecraft/src/manifest"
	"github.com/sofmeright/stagecraft/src/pkgmgr"
)

// StepHandler executes one step kind against a stage rootfs.
type StepHandler interface {
	Kind() string
	Run(ctx context.Context, sc *StepContext) error
}

// StepContext is everything a handler may touch while running a step.
type StepContext struct {
	Manifest   *manifest.Manifest
	Stage      *manifest.Stage
	Step       *manifest.Step
	Index      int    // 1-based position in the stage
	Root       string // stage rootfs on the host
	ContextDir string // manifest context for local sources
	Env        map[string]string
	Snapshots  map[string]*Snapshot // finished stages by name
	Installer  *pkgmgr.Installer
	Fetch      *fetch.Client
	Timeout    time.Duration // zero means unbounded
	Output     io.Writer     // captured step output
	Logger     *log.Logger
	Result     *StepResult
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() StepHandler{}
)

// Register adds a step handler constructor to the global registry.
// Called from init() in each handler file.
func Register(kind string, constructor func() StepHandler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("build: duplicate step handler registration: %s", kind))
	}
	registry[kind] = constructor
}

// Get returns a new handler for the step kind.
func Get(kind string) (StepHandler, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("build: unknown step kind: %s", kind)
	}
	return ctor(), nil
}

// All returns sorted kinds of all registered handlers.
func All() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
