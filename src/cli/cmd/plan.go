package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sofmeright/stagecraft/src/build"
	"github.com/sofmeright/stagecraft/src/manifest"
	"github.com/sofmeright/stagecraft/src/output"
)

var planStage string

var planCmd = &cobra.Command{
	Use:   "plan <manifest>",
	Short: "Print the resolved stage order and steps",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Load(args[0])
		if err != nil {
			return usageError(err)
		}
		plan, err := build.NewPlan(m, planStage)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		output.PlanSection(w, plan, output.UseColor(w))

		for _, v := range plan.PinViolations() {
			logger.Warn("unpinned reference", "ref", v)
		}
		return nil
	},
}

func init() {
	planCmd.Flags().StringVar(&planStage, "stage", "", "stage to plan (default: last declared)")

	rootCmd.AddCommand(planCmd)
}
