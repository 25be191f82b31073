package util

import (
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// SetFlagsFromEnvVars fills the persistent flags of cmd that were not set on the command line.
// A systemd credential named after the flag (DATA_DIR for data-dir) wins over the
// environment variable prefix + DATA_DIR.
func SetFlagsFromEnvVars(cmd *cobra.Command, prefix string) {
	flags := cmd.PersistentFlags()
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}

		value, from, ok := lookupFlagValue(prefix, envName(f.Name))
		if !ok {
			return
		}
		if err := flags.Set(f.Name, value); err != nil {
			log.Warnf("ignoring %s for flag --%s: %v", from, f.Name, err)
		}
	})
}

// lookupFlagValue returns the value for a flag and where it was found
func lookupFlagValue(prefix, name string) (value, from string, ok bool) {
	if dir, present := os.LookupEnv("CREDENTIALS_DIRECTORY"); present {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return strings.TrimSuffix(string(data), "\n"), "credential " + name, true
		}
	}

	if value, present := os.LookupEnv(prefix + name); present {
		return value, "variable " + prefix + name, true
	}
	return "", "", false
}

// envName converts a flag name to its environment form, data-dir becomes DATA_DIR
func envName(flag string) string {
	return strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}
