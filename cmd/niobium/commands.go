package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/configmgr"
	"dev.hon.one/niobium/connection"
	"dev.hon.one/niobium/core"
	"dev.hon.one/niobium/util"
)

type cli struct {
	configPath string
	debug      bool
	deps       core.Dependencies
	app        *core.App
}

func newRootCommand(deps core.Dependencies) *cobra.Command {
	c := &cli{deps: deps}
	rootCmd := &cobra.Command{
		Use:           "niobium",
		Short:         "Manage and monitor network devices over SSH",
		Version:       common.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.debug {
				log.SetLevel(log.TraceLevel)
				log.Info("Debug mode enabled")
			}
			return c.load()
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "Config file path.")
	rootCmd.PersistentFlags().BoolVar(&c.debug, "debug", false, "Show debug messages.")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run monitoring and the HTTP server until interrupted",
		Args:  cobra.NoArgs,
		RunE:  c.closing(c.run),
	}
	execCmd := &cobra.Command{
		Use:   "exec <device> <command...>",
		Short: "Run a command on a device",
		Args:  cobra.MinimumNArgs(2),
		RunE:  c.closing(c.exec),
	}
	classifyCmd := &cobra.Command{
		Use:   "classify <device>",
		Short: "Detect the device type and print the profile",
		Args:  cobra.ExactArgs(1),
		RunE:  c.closing(c.classify),
	}
	backupCmd := &cobra.Command{
		Use:   "backup <device>",
		Short: "Back up the running configuration",
		Args:  cobra.ExactArgs(1),
		RunE:  c.closing(c.backup),
	}
	backupsCmd := &cobra.Command{
		Use:   "backups <device>",
		Short: "List stored backups, newest first",
		Args:  cobra.ExactArgs(1),
		RunE:  c.closing(c.backups),
	}
	backupsCmd.Flags().Int("prune", -1, "Delete all but the newest N backups.")
	deployCmd := &cobra.Command{
		Use:   "deploy <device> <file>",
		Short: "Deploy a configuration, rolling back on failure",
		Args:  cobra.ExactArgs(2),
		RunE:  c.closing(c.deploy),
	}
	deployCmd.Flags().Bool("no-backup", false, "Use the latest stored backup instead of taking a new one.")
	deployCmd.Flags().Bool("save", false, "Save the configuration after verification.")
	rollbackCmd := &cobra.Command{
		Use:   "rollback <device>",
		Short: "Restore a stored backup",
		Args:  cobra.ExactArgs(1),
		RunE:  c.closing(c.rollback),
	}
	rollbackCmd.Flags().String("backup", "", "Backup ID. Defaults to the latest.")

	rootCmd.AddCommand(runCmd, execCmd, classifyCmd, backupCmd, backupsCmd, deployCmd, rollbackCmd)
	return rootCmd
}

func (c *cli) load() error {
	configPath := c.configPath
	if configPath == "" {
		if _, err := os.Stat(common.DefaultConfigPath); err == nil {
			configPath = common.DefaultConfigPath
		}
	}
	config, err := common.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app, err := core.NewApp(config, c.deps)
	if err != nil {
		return err
	}
	c.app = app
	return nil
}

// closing - Close the app after the command, also on failure.
func (c *cli) closing(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer c.app.Close()
		return fn(cmd, args)
	}
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	log.Infof("Starting %v version %v by %v", common.AppName, common.AppVersion, common.AppAuthor)

	// Setup internal shutdown mechanism
	shutdownChannel := make(chan os.Signal, 1)
	signal.Notify(shutdownChannel, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdownChannel)
	shutdown := util.NewShutdownChannelDistributor(shutdownChannel)
	return c.app.Run(shutdown)
}

// withConnection - Run fn with a pooled connection to the named device.
func (c *cli) withConnection(ctx context.Context, name string, fn func(conn *connection.Connection) error) error {
	device, err := c.app.Device(name)
	if err != nil {
		return err
	}
	conn, err := c.app.Pool.Acquire(ctx, device)
	if err != nil {
		return err
	}
	defer c.app.Pool.Release(conn)
	return fn(conn)
}

func (c *cli) exec(cmd *cobra.Command, args []string) error {
	command := strings.Join(args[1:], " ")
	return c.withConnection(cmd.Context(), args[0], func(conn *connection.Connection) error {
		// Known type and paging off, so long output is not cut at a pager prompt
		if _, err := c.app.Classifier.EnsureProfile(cmd.Context(), conn); err != nil {
			return err
		}
		result, err := c.app.Engine.Execute(cmd.Context(), conn, command, 0)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Output)
		if !result.Success() {
			return common.Errorf(common.ErrCommandExecution, result.Device, "exec", "%v (exit code %v)", result.Error, result.ExitCode)
		}
		return nil
	})
}

func (c *cli) classify(cmd *cobra.Command, args []string) error {
	return c.withConnection(cmd.Context(), args[0], func(conn *connection.Connection) error {
		profile, err := c.app.Classifier.Classify(cmd.Context(), conn)
		if err != nil {
			return err
		}
		return printJSON(cmd, profile)
	})
}

func (c *cli) backup(cmd *cobra.Command, args []string) error {
	device, err := c.app.Device(args[0])
	if err != nil {
		return err
	}
	backup, err := c.app.Configs.BackupConfig(cmd.Context(), device)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%v %v %v\n", backup.ID, backup.Checksum, backup.Location)
	return nil
}

func (c *cli) backups(cmd *cobra.Command, args []string) error {
	device, err := c.app.Device(args[0])
	if err != nil {
		return err
	}
	prune, _ := cmd.Flags().GetInt("prune")
	if prune >= 0 {
		deleted, err := c.app.Configs.PruneBackups(cmd.Context(), device.ID(), prune)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %v backups\n", deleted)
	}
	backups, err := c.app.Configs.ListBackups(cmd.Context(), device.ID())
	if err != nil {
		return err
	}
	for _, backup := range backups {
		fmt.Fprintf(cmd.OutOrStdout(), "%v %v %v\n", backup.ID, backup.Time.Format("2006-01-02 15:04:05"), backup.Checksum)
	}
	return nil
}

func (c *cli) deploy(cmd *cobra.Command, args []string) error {
	device, err := c.app.Device(args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	noBackup, _ := cmd.Flags().GetBool("no-backup")
	save, _ := cmd.Flags().GetBool("save")
	deployment, err := c.app.Configs.ApplyConfig(cmd.Context(), device, string(data), configmgr.ApplyOptions{
		BackupFirst: !noBackup,
		Save:        save,
	})
	if deployment != nil {
		if printErr := printJSON(cmd, deployment); printErr != nil {
			return printErr
		}
	}
	return err
}

func (c *cli) rollback(cmd *cobra.Command, args []string) error {
	device, err := c.app.Device(args[0])
	if err != nil {
		return err
	}
	backupID, _ := cmd.Flags().GetString("backup")
	var backup *common.ConfigBackup
	if backupID == "" {
		backup, err = c.app.Configs.LatestBackup(cmd.Context(), device.ID())
	} else {
		backup, err = c.app.Configs.FindBackup(cmd.Context(), device.ID(), backupID)
	}
	if err != nil {
		return err
	}
	if backup == nil {
		return common.Errorf(common.ErrConfiguration, device.ID(), "rollback", "no stored backups")
	}
	if err := c.app.Configs.RollbackConfig(cmd.Context(), device, backup); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %v\n", backup.ID)
	return nil
}

func printJSON(cmd *cobra.Command, value interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
