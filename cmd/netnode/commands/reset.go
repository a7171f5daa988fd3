package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gossipchain/netnode/internal/node"
)

// ResetPeerStoreCmd removes the database of known peers, so the node
// bootstraps from its seeds again.
var ResetPeerStoreCmd = &cobra.Command{
	Use:   "reset-peers",
	Short: "Remove the peer store",
	RunE:  resetPeerStore,
}

func resetPeerStore(cmd *cobra.Command, args []string) error {
	dir := filepath.Join(config.DBDir(), node.PeerStoreName+".db")
	if err := os.RemoveAll(dir); err != nil {
		logger.Error("error removing peer store", "dir", dir, "err", err)
		return err
	}
	logger.Info("removed peer store", "dir", dir)
	return nil
}
