package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wavedaq",
	Short: "Windowed waveform acquisition through a desktop-automation relay",
	Long: `wavedaq drives an external waveform generator and a data-logging
instrument through a desktop-automation agent, collecting capped instrument
exports and stitching them into continuous records.`,
}

func Execute() error {
	return rootCmd.Execute()
}
