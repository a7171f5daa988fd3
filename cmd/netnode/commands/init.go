package commands

import (
	"github.com/spf13/cobra"

	"github.com/gossipchain/netnode/types"
)

// InitFilesCmd initializes a fresh home directory.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the config file and node key",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	// ParseConfig already wrote config.toml if it was missing.
	nodeKeyFile := config.NodeKeyFile()
	nodeKey, err := types.LoadOrGenNodeKey(nodeKeyFile)
	if err != nil {
		return err
	}

	logger.Info("initialized home directory",
		"root", config.RootDir,
		"node_key", nodeKeyFile,
		"node_id", nodeKey.ID,
	)
	return nil
}
