package steps

import (
	"context"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/manifest"
)

func init() {
	build.Register(manifest.KindEnv, func() build.StepHandler { return &Env{} })
}

// Env merges variables into the stage environment for later steps.
type Env struct{}

func (e *Env) Kind() string { return manifest.KindEnv }

func (e *Env) Run(_ context.Context, sc *build.StepContext) error {
	for k, v := range sc.Step.Env {
		sc.Env[k] = v
	}
	return nil
}
