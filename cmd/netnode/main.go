package main

import (
	"os"
	"path/filepath"

	cmd "github.com/gossipchain/netnode/cmd/netnode/commands"
	"github.com/gossipchain/netnode/config"
	"github.com/gossipchain/netnode/libs/cli"
)

func main() {
	rootCmd := cmd.RootCmd
	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.GenNodeKeyCmd,
		cmd.ShowNodeIDCmd,
		cmd.ResetPeerStoreCmd,
		cmd.VersionCmd,
		cmd.NewRunNodeCmd(),
	)

	base := cli.PrepareBaseCmd(rootCmd, "NETNODE", os.ExpandEnv(filepath.Join("$HOME", config.DefaultNetnodeDir)))
	if err := base.Execute(); err != nil {
		os.Exit(1)
	}
}
