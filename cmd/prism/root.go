package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

const (
	version          = "0.1.0"
	defaultServerURL = "http://localhost:8080"
)

// Color palette shared by every subcommand.
var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var cfgFile string

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "prism",
		Short: "Multi-provider LLM orchestration client",
		Long: fmt.Sprintf(`%s

Talks to a prism server, which routes each prompt across several LLM
providers, runs speculative variations in parallel, and streams back the
collapsed answer.

%s
  prism ask "explain the raft protocol"
  prism ask --persona developer --collapse consensus "review this diff"
  prism chat
  prism stats --decisions 10`,
			bold("prism "+version),
			bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.prism-cli.yaml)")
	rootCmd.PersistentFlags().String("server", defaultServerURL, "prism server base URL")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(newAskCommand())
	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".prism-cli")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("PRISM")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

// serverURL resolves flag, then PRISM_SERVER, then config file.
func serverURL() string {
	if url := strings.TrimRight(viper.GetString("server"), "/"); url != "" {
		return url
	}
	return defaultServerURL
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("prism %s\n", version)
		},
	}
}
