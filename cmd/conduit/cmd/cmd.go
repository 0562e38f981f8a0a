package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conduitnet/conduit/pkg/logging"
)

const (
	optionNameDataDir            = "data-dir"
	optionNamePassword           = "password"
	optionNamePasswordFile       = "password-file"
	optionNameAPIAddr            = "api-addr"
	optionNameNATSEndpoint       = "nats-endpoint"
	optionNameChainEndpoint      = "chain-endpoint"
	optionNameChainID            = "chain-id"
	optionNameRedisEndpoint      = "redis-endpoint"
	optionNameLockExpiry         = "lock-expiry"
	optionNameForwardingEnable   = "forwarding-enable"
	optionNameForwardingFee      = "forwarding-fee"
	optionNameSafetyMargin       = "forwarding-safety-margin"
	optionNameRetryAttempts      = "forwarding-retries"
	optionNameCancelUnroutable   = "forwarding-cancel-unroutable"
	optionNameCollateralProfiles = "collateral-profile"
	optionCORSAllowedOrigins     = "cors-allowed-origins"
	optionNameVerbosity          = "verbosity"
)

func init() {
	cobra.EnableCommandSorting = false
}

type command struct {
	root           *cobra.Command
	config         *viper.Viper
	passwordReader passwordReader
	cfgFile        string
	homeDir        string
}

type option func(*command)

func withCobraArgs(args []string) option {
	return func(c *command) {
		c.root.SetArgs(args)
	}
}

func withOutput(w io.Writer) option {
	return func(c *command) {
		c.root.SetOut(w)
		c.root.SetErr(w)
	}
}

func withHomeDir(dir string) option {
	return func(c *command) {
		c.homeDir = dir
	}
}

func withPasswordReader(r passwordReader) option {
	return func(c *command) {
		c.passwordReader = r
	}
}

func newCommand(opts ...option) (c *command, err error) {
	c = &command{
		root: &cobra.Command{
			Use:           "conduit",
			Short:         "conduit payment channel node",
			SilenceErrors: true,
			SilenceUsage:  true,
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				return c.initConfig()
			},
		},
	}

	for _, o := range opts {
		o(c)
	}
	if c.passwordReader == nil {
		c.passwordReader = new(stdInPasswordReader)
	}

	// Find home directory.
	if err := c.setHomeDir(); err != nil {
		return nil, err
	}

	c.initGlobalFlags()

	if err := c.initStartCmd(); err != nil {
		return nil, err
	}

	if err := c.initInitCmd(); err != nil {
		return nil, err
	}

	c.initVersionCmd()

	return c, nil
}

func (c *command) Execute() (err error) {
	return c.root.Execute()
}

// Execute parses command line arguments and runs appropriate functions.
func Execute() (err error) {
	c, err := newCommand()
	if err != nil {
		return err
	}
	return c.Execute()
}

func (c *command) initGlobalFlags() {
	globalFlags := c.root.PersistentFlags()
	globalFlags.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.conduit.yaml)")
}

func (c *command) initConfig() (err error) {
	config := viper.New()
	configName := ".conduit"
	if c.cfgFile != "" {
		// Use config file from the flag.
		config.SetConfigFile(c.cfgFile)
	} else {
		// Search config in home directory with name ".conduit" (without extension).
		config.AddConfigPath(c.homeDir)
		config.SetConfigName(configName)
	}

	// Environment
	config.SetEnvPrefix("conduit")
	config.AutomaticEnv() // read in environment variables that match
	config.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if c.homeDir != "" && c.cfgFile == "" {
		c.cfgFile = filepath.Join(c.homeDir, configName+".yaml")
	}

	// If a config file is found, read it in.
	if err := config.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if !errors.As(err, &e) {
			return err
		}
	}
	c.config = config
	return nil
}

func (c *command) setHomeDir() (err error) {
	if c.homeDir != "" {
		return
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	c.homeDir = dir
	return nil
}

func (c *command) setAllFlags(cmd *cobra.Command) {
	cmd.Flags().String(optionNameDataDir, filepath.Join(c.homeDir, ".conduit"), "data directory")
	cmd.Flags().String(optionNamePassword, "", "password for decrypting keys")
	cmd.Flags().String(optionNamePasswordFile, "", "path to a file that contains password for decrypting keys")
	cmd.Flags().String(optionNameAPIAddr, ":2683", "HTTP API listen address")
	cmd.Flags().String(optionNameNATSEndpoint, "nats://127.0.0.1:4222", "NATS server the node exchanges channel updates over")
	cmd.Flags().String(optionNameChainEndpoint, "http://127.0.0.1:8545", "ethereum compatible json rpc endpoint")
	cmd.Flags().Int64(optionNameChainID, 0, "expected chain id, 0 accepts whatever the endpoint reports")
	cmd.Flags().String(optionNameRedisEndpoint, "", "redis address for distributed channel locks, empty uses in-process locks")
	cmd.Flags().Duration(optionNameLockExpiry, 30*time.Second, "expiry of distributed channel locks")
	cmd.Flags().Bool(optionNameForwardingEnable, false, "forward routed transfers between channels")
	cmd.Flags().String(optionNameForwardingFee, "0", "fee in base units retained per forwarded transfer")
	cmd.Flags().Duration(optionNameSafetyMargin, 20*time.Second, "outbound transfer expiry is tightened by this margin")
	cmd.Flags().Int(optionNameRetryAttempts, 5, "attempts per forwarding operation before giving up")
	cmd.Flags().Bool(optionNameCancelUnroutable, true, "cancel inbound transfers that cannot be forwarded")
	cmd.Flags().StringSlice(optionNameCollateralProfiles, []string{}, "collateral profile per asset, format asset:target:ceiling")
	cmd.Flags().StringSlice(optionCORSAllowedOrigins, []string{}, "origins with CORS headers enabled")
	cmd.Flags().String(optionNameVerbosity, "info", "log verbosity level 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace")
}

func newLogger(cmd *cobra.Command, verbosity string) (logging.Logger, error) {
	var logger logging.Logger
	switch verbosity {
	case "0", "silent":
		logger = logging.New(io.Discard, 0)
	case "1", "error":
		logger = logging.New(cmd.OutOrStdout(), logrus.ErrorLevel)
	case "2", "warn":
		logger = logging.New(cmd.OutOrStdout(), logrus.WarnLevel)
	case "3", "info":
		logger = logging.New(cmd.OutOrStdout(), logrus.InfoLevel)
	case "4", "debug":
		logger = logging.New(cmd.OutOrStdout(), logrus.DebugLevel)
	case "5", "trace":
		logger = logging.New(cmd.OutOrStdout(), logrus.TraceLevel)
	default:
		return nil, fmt.Errorf("unknown verbosity level %q", verbosity)
	}
	return logger, nil
}
