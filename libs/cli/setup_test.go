package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestBindFlagsLoadViperReadsConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "config", "config.toml"),
		[]byte("moniker = \"from-file\"\n"), 0o600))

	var moniker string
	cmd := &cobra.Command{
		Use: "test",
		RunE: func(cmd *cobra.Command, args []string) error {
			moniker = viper.GetString("moniker")
			return nil
		},
	}
	cmd = PrepareBaseCmd(cmd, "NETNODETEST", home)
	cmd.SetArgs([]string{"--home", home})
	require.NoError(t, cmd.Execute())
	require.Equal(t, "from-file", moniker)
}

func TestBindFlagsLoadViperMissingConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	cmd = PrepareBaseCmd(cmd, "NETNODETEST", t.TempDir())
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
}

func TestInitEnvCopiesUnseparatedVariables(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("NETNODETEST_HOME", "")
	t.Setenv("NETNODETESTHOME", "/tmp/x")
	InitEnv("netnodetest")
	require.Equal(t, "/tmp/x", os.Getenv("NETNODETEST_HOME"))
	require.Equal(t, "/tmp/x", viper.GetString("home"))
}
