package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/codepipe/pkg/stage"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Print the stage definitions",
	Long: `Print the stage definitions the pipeline would run, as YAML. The output
can be edited and pointed to with stages_file in the config.`,
	RunE: runStages,
}

func init() {
	rootCmd.AddCommand(stagesCmd)
}

func runStages(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	defs, err := stage.Load(cfg.StagesFile)
	if err != nil {
		return err
	}
	data, err := stage.Marshal(defs)
	if err != nil {
		return fmt.Errorf("failed to encode stages: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
