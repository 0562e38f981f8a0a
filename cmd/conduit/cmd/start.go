package cmd

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/conduitnet/conduit"
	"github.com/conduitnet/conduit/pkg/crypto"
	"github.com/conduitnet/conduit/pkg/keystore"
	filekeystore "github.com/conduitnet/conduit/pkg/keystore/file"
	memkeystore "github.com/conduitnet/conduit/pkg/keystore/mem"
	"github.com/conduitnet/conduit/pkg/logging"
	"github.com/conduitnet/conduit/pkg/node"
	"github.com/conduitnet/conduit/pkg/router"
)

func (c *command) initStartCmd() (err error) {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a conduit node",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if len(args) > 0 {
				return cmd.Help()
			}

			v := strings.ToLower(c.config.GetString(optionNameVerbosity))
			logger, err := newLogger(cmd, v)
			if err != nil {
				return fmt.Errorf("new logger: %v", err)
			}

			logger.Infof("version: %v", conduit.Version)

			signerConfig, err := c.configureSigner(cmd, logger)
			if err != nil {
				return err
			}

			fee, ok := new(big.Int).SetString(c.config.GetString(optionNameForwardingFee), 10)
			if !ok {
				return fmt.Errorf("invalid %s value", optionNameForwardingFee)
			}

			profiles, err := parseCollateralProfiles(c.config.GetStringSlice(optionNameCollateralProfiles))
			if err != nil {
				return err
			}

			conduitNode, err := node.NewConduit(signerConfig.address, signerConfig.signer, logger, node.Options{
				DataDir:             c.config.GetString(optionNameDataDir),
				APIAddr:             c.config.GetString(optionNameAPIAddr),
				CORSAllowedOrigins:  c.config.GetStringSlice(optionCORSAllowedOrigins),
				NATSEndpoint:        c.config.GetString(optionNameNATSEndpoint),
				ChainEndpoint:       c.config.GetString(optionNameChainEndpoint),
				ChainID:             c.config.GetInt64(optionNameChainID),
				RedisEndpoint:       c.config.GetString(optionNameRedisEndpoint),
				LockExpiry:          c.config.GetDuration(optionNameLockExpiry),
				EnableForwarding:    c.config.GetBool(optionNameForwardingEnable),
				RouterFee:           fee,
				SafetyMargin:        c.config.GetDuration(optionNameSafetyMargin),
				RetryAttempts:       c.config.GetInt(optionNameRetryAttempts),
				CancelUnforwardable: c.config.GetBool(optionNameCancelUnroutable),
				CollateralProfiles:  profiles,
			})
			if err != nil {
				return err
			}

			// wait until interrupted
			interruptChannel := make(chan os.Signal, 1)
			signal.Notify(interruptChannel, syscall.SIGINT, syscall.SIGTERM)

			sig := <-interruptChannel
			logger.Debugf("received signal: %v", sig)
			logger.Info("shutting down")

			// allow the node to gracefully stop within a timeout
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			return conduitNode.Shutdown(ctx)
		},
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return c.config.BindPFlags(cmd.Flags())
		},
	}

	c.setAllFlags(cmd)
	c.root.AddCommand(cmd)

	return nil
}

// parseCollateralProfiles reads asset:target:ceiling triples.
func parseCollateralProfiles(values []string) (map[common.Address]router.CollateralProfile, error) {
	if len(values) == 0 {
		return nil, nil
	}
	profiles := make(map[common.Address]router.CollateralProfile, len(values))
	for _, value := range values {
		parts := strings.Split(value, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid collateral profile %q, want asset:target:ceiling", value)
		}
		if !common.IsHexAddress(parts[0]) {
			return nil, fmt.Errorf("invalid collateral profile asset %q", parts[0])
		}
		target, ok := new(big.Int).SetString(parts[1], 10)
		if !ok {
			return nil, fmt.Errorf("invalid collateral profile target %q", parts[1])
		}
		ceiling, ok := new(big.Int).SetString(parts[2], 10)
		if !ok {
			return nil, fmt.Errorf("invalid collateral profile ceiling %q", parts[2])
		}
		profiles[common.HexToAddress(parts[0])] = router.CollateralProfile{
			Target:  target,
			Ceiling: ceiling,
		}
	}
	return profiles, nil
}

type signerConfig struct {
	signer    crypto.Signer
	address   common.Address
	publicKey *ecdsa.PublicKey
}

func (c *command) configureSigner(cmd *cobra.Command, logger logging.Logger) (config *signerConfig, err error) {
	var keystoreService keystore.Service
	if c.config.GetString(optionNameDataDir) == "" {
		keystoreService = memkeystore.New()
		logger.Warning("data directory not provided, keys are not persisted")
	} else {
		keystoreService = filekeystore.New(filepath.Join(c.config.GetString(optionNameDataDir), "keys"))
	}

	var password string
	if p := c.config.GetString(optionNamePassword); p != "" {
		password = p
	} else if pf := c.config.GetString(optionNamePasswordFile); pf != "" {
		b, err := os.ReadFile(pf)
		if err != nil {
			return nil, err
		}
		password = string(bytes.Trim(b, "\n"))
	} else {
		// if the node is already initialized, just prompt, otherwise
		// prompt with a confirmation to create a new key
		exists, err := keystoreService.Exists("conduit")
		if err != nil {
			return nil, err
		}
		if exists {
			password, err = terminalPromptPassword(cmd, c.passwordReader, "Password")
			if err != nil {
				return nil, err
			}
		} else {
			password, err = terminalPromptCreatePassword(cmd, c.passwordReader)
			if err != nil {
				return nil, err
			}
		}
	}

	key, created, err := keystoreService.Key("conduit", password)
	if err != nil {
		return nil, fmt.Errorf("conduit key: %w", err)
	}
	signer := crypto.NewDefaultSigner(key)
	publicKey := &key.PublicKey

	address, err := signer.EthereumAddress()
	if err != nil {
		return nil, err
	}

	if created {
		logger.Infof("new identity key created for address %s", address.Hex())
	} else {
		logger.Infof("using existing identity key for address %s", address.Hex())
	}

	return &signerConfig{
		signer:    signer,
		address:   address,
		publicKey: publicKey,
	}, nil
}

type passwordReader interface {
	ReadPassword() (password string, err error)
}

type stdInPasswordReader struct{}

func (stdInPasswordReader) ReadPassword() (password string, err error) {
	v, err := term.ReadPassword(int(syscall.Stdin))
	return string(v), err
}

func terminalPromptPassword(cmd *cobra.Command, reader passwordReader, title string) (password string, err error) {
	cmd.Print(title + ": ")
	password, err = reader.ReadPassword()
	cmd.Println()
	if err != nil {
		return "", err
	}
	return password, nil
}

func terminalPromptCreatePassword(cmd *cobra.Command, reader passwordReader) (password string, err error) {
	p1, err := terminalPromptPassword(cmd, reader, "Password")
	if err != nil {
		return "", err
	}

	p2, err := terminalPromptPassword(cmd, reader, "Confirm password")
	if err != nil {
		return "", err
	}

	if p1 != p2 {
		return "", errors.New("passwords are not equal")
	}

	return p1, nil
}
