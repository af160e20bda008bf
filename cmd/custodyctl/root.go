package main

import (
	"bufio"
	"bytes"
	"io"

	"github.com/iotaledger/hive.go/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/dueldanov/custody/internal/config"
	"github.com/dueldanov/custody/internal/crypto"
	"github.com/dueldanov/custody/internal/daemon"
	cerrors "github.com/dueldanov/custody/internal/errors"
)

// cli carries the state shared by every command of one invocation.
type cli struct {
	v       *viper.Viper
	cfgFile string
	verbose bool

	cfg       *config.Config
	log       *logger.Logger
	container *dig.Container
	engine    *daemon.Custody
}

// newRootCmd builds the command tree. The returned cli must be closed after
// Execute, whether or not the command failed.
func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{v: config.New()}
	c.v.SetDefault("store.engine", config.StoreEngineBadger)

	rootCmd := &cobra.Command{
		Use:   "custodyctl",
		Short: "Operate the custody engine's keys, secrets and seeds",
		Long: `custodyctl manages the custody engine offline: it provisions and checks the
master keys, rotates the keyring, stores named secrets and provisions, reveals
and revokes recovery seeds. It opens the same row store the daemon uses, so it
must not run against a badger directory a daemon holds open.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (YAML)")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "log to stderr")
	flags.String("store-path", "", "badger database directory")
	flags.String("secrets-dir", "", "file secret source directory")
	c.bindFlag(rootCmd, "store.path", "store-path")
	c.bindFlag(rootCmd, "secrets.dir", "secrets-dir")

	rootCmd.AddCommand(
		newMasterKeyCmd(c),
		newKeyringCmd(c),
		newSecretCmd(c),
		newSeedCmd(c),
		newWalletCmd(c),
	)

	return rootCmd, c
}

func (c *cli) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := c.v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg

	c.log = zap.NewNop().Sugar()
	if c.verbose {
		root, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		c.log = root.Sugar().Named("custodyctl")
	}

	c.container, err = daemon.NewContainer(cmd.Context(), c.log, cfg)

	return err
}

func (c *cli) close() error {
	if c.engine == nil {
		return nil
	}

	return c.engine.Close()
}

// custody resolves the whole engine on first use.
func (c *cli) custody() (*daemon.Custody, error) {
	if c.engine != nil {
		return c.engine, nil
	}

	engine, err := daemon.Resolve(c.container)
	if err != nil {
		return nil, err
	}
	c.engine = engine

	return engine, nil
}

// readSecretInput reads one trimmed line from r. Secrets are never taken from
// arguments so they stay out of shell history and process listings.
func readSecretInput(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, cerrors.Wrap(err, cerrors.CodeInvalidArgument, "failed to read secret input")
	}

	trimmed := append([]byte(nil), bytes.TrimSpace(line)...)
	crypto.ClearBytes(line)
	if len(trimmed) == 0 {
		return nil, cerrors.InvalidArgument("secret input is empty")
	}

	return trimmed, nil
}
