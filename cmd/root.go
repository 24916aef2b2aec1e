package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "voicesdr",
	Short: "WhatsApp voice SDR bot",
	Long:  "VoiceSDR answers WhatsApp voice notes with spoken replies: it transcribes inbound audio, reasons over conversation history, and sends back a synthesized voice note.",
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
