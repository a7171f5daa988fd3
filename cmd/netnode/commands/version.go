package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gossipchain/netnode/version"
)

var verbose bool

// VersionCmd prints the software version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !verbose {
			fmt.Println(version.Version)
			return nil
		}

		values, err := json.MarshalIndent(struct {
			Netnode  string `json:"netnode"`
			Protocol string `json:"protocol"`
			Agent    string `json:"user_agent"`
		}{
			Netnode:  version.Version,
			Protocol: fmt.Sprintf("%#04x", version.ProtocolVersion),
			Agent:    version.UserAgent(),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(values))
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show protocol version and user agent")
}
