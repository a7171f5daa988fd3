package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	tmos "github.com/gossipchain/netnode/libs/os"
	"github.com/gossipchain/netnode/types"
)

// GenNodeKeyCmd allows the generation of a node key. It prints the node's ID
// to the standard output.
var GenNodeKeyCmd = &cobra.Command{
	Use:   "gen-node-key",
	Short: "Generate a node key for this node and print its ID",
	RunE:  genNodeKey,
}

func genNodeKey(cmd *cobra.Command, args []string) error {
	nodeKeyFile := config.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		return fmt.Errorf("node key at %s already exists", nodeKeyFile)
	}

	nodeKey, err := types.LoadOrGenNodeKey(nodeKeyFile)
	if err != nil {
		return err
	}
	fmt.Println(nodeKey.ID)
	return nil
}
