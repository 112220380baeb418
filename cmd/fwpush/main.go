// fwpush: delivers the safe-upgrade helper and a firmware image to a
// legacy embedded device over SSH/HTTP and drives the dual-partition
// upgrade to completion without risking a bricked device.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/glennswest/fwpush/pkg/cache"
	"github.com/glennswest/fwpush/pkg/config"
	"github.com/glennswest/fwpush/pkg/probe"
	"github.com/glennswest/fwpush/pkg/sshx"
	"github.com/glennswest/fwpush/pkg/transfer"
	"github.com/glennswest/fwpush/pkg/ubus"
	"github.com/glennswest/fwpush/pkg/upgrade"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "fwpush",
		Short:   "Safe firmware delivery and dual-partition upgrade for legacy embedded devices",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", defaultConfigPath(), "Path to configuration file")
	pf.String("user", "root", "Device SSH/web username")
	pf.String("password", "", "Device password (prompted when empty)")
	pf.String("web-url", "", "Device web URL for HTTP push (default http://<device>)")
	pf.String("cache-dir", "", "Cache directory for helpers and backups")
	pf.Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(newUpgradeCmd(), newProbeCmd(), newBackupCmd(), newConfirmCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("fwpush %s (%s)\n", version, commit)
			},
		})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/fwpush/config.yaml"
	}
	return "/etc/fwpush/config.yaml"
}

func newUpgradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade <device>",
		Short: "Update the safe-upgrade helper and optionally flash a firmware image",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpgrade,
	}

	f := cmd.Flags()
	f.String("firmware", "", "Firmware image to flash (omit for a helper-only run)")
	f.Bool("force-chunked", false, "Skip faster strategies and use chunked text encoding only")
	f.Int("chunk-size", 512, "Chunk size in bytes for the chunked strategy")
	f.Int("batch-size", 5, "Chunks per remote call for the chunked strategy")
	f.Bool("yes", false, "Skip interactive confirmation prompts")
	f.Bool("auto-confirm", false, "Confirm the new firmware from here once the device is back")
	f.Int("confirm-window", 1200, "Safe-upgrade confirmation window in seconds")
	f.String("helper-url", config.DefaultHelperURL, "Where to download the helper when stale")
	f.String("helper-sha256", config.PinnedHelperSHA256, "Pinned helper hash")
	f.Bool("no-backup", false, "Skip the pre-upgrade configuration backup")

	return cmd
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	log, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	slog := log.Sugar()

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.Device.Address = args[0]

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := resolvePassword(&cfg.Device); err != nil {
		return err
	}

	slog.Infow("starting fwpush", "version", version, "device", cfg.Device.Address)

	dev, err := dialDevice(cfg.Device, slog)
	if err != nil {
		return err
	}
	// A single multiplexed connection serves the whole run; this
	// release path covers success, error, and interrupt alike.
	defer dev.Close()

	cacheDir, err := cache.Open(cfg.CacheDir, slog)
	if err != nil {
		return err
	}

	webURL := cfg.Device.WebURL
	if webURL == "" {
		webURL = "http://" + dev.Host()
	}
	ub := ubus.NewClient(ubus.Config{
		BaseURL:  webURL,
		Username: cfg.Device.User,
		Password: cfg.Device.Password,
	}, slog)

	firmware, _ := cmd.Flags().GetString("firmware")
	skipPrompts, _ := cmd.Flags().GetBool("yes")
	noBackup, _ := cmd.Flags().GetBool("no-backup")

	opts := upgrade.Options{
		DeviceAddr: cfg.Device.Address,
		Device:     dev,
		Reconnect: func(ctx context.Context) (sshx.Runner, error) {
			// Short per-attempt timeout: discovery fails fast while
			// the poll loop tolerates a slow boot.
			redialCfg := sshCfg(cfg.Device)
			redialCfg.DialTimeout = 5 * time.Second
			return sshx.Dial(redialCfg, slog)
		},
		Transfer: transfer.Options{
			Ubus:         ub,
			LocalIP:      dev.LocalIP(),
			ForceChunked: cfg.Transfer.ForceChunked,
			Log:          slog,
		},
		FirmwarePath: firmware,
		FetchHelper: func(ctx context.Context) (string, error) {
			return cacheDir.FetchHelper(ctx, cfg.Upgrade.HelperURL, cfg.Upgrade.HelperSHA256)
		},
		HelperSHA256:  cfg.Upgrade.HelperSHA256,
		HelperDest:    cfg.Upgrade.HelperDest,
		FirmwareDest:  cfg.Upgrade.FirmwareDest,
		ChunkSize:     cfg.Transfer.ChunkSize,
		BatchSize:     cfg.Transfer.BatchSize,
		ConfirmWindow: cfg.Upgrade.ConfirmWindow(),
		RebootPoll:    cfg.Upgrade.RebootPoll(),
		RebootCeiling: cfg.Upgrade.RebootCeiling(),
		AutoConfirm:   cfg.Upgrade.AutoConfirm,
		Log:           slog,
	}

	if !skipPrompts {
		opts.Prompt = promptYesNo
	}
	if !noBackup {
		opts.Backup = func(ctx context.Context, dev sshx.Runner) error {
			_, err := pullBackup(ctx, dev, cacheDir, cfg.Device.Address, slog)
			return err
		}
	}

	report, runErr := upgrade.New(opts).Run(ctx)
	printReport(cfg.Device.Address, report)
	saveSession(cacheDir, cfg.Device.Address, report, slog)

	if runErr != nil {
		slog.Errorw("upgrade did not complete", "error", runErr)
		return runErr
	}
	slog.Info("upgrade complete")
	return nil
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <device>",
		Short: "Check connectivity and report which transfer utilities the device offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			slog := log.Sugar()

			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			cfg.Device.Address = args[0]
			if err := resolvePassword(&cfg.Device); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			dev, err := dialDevice(cfg.Device, slog)
			if err != nil {
				return err
			}
			defer dev.Close()

			caps, err := probe.Detect(ctx, dev, slog)
			if err != nil {
				return &upgrade.ConnectivityError{Addr: cfg.Device.Address, Err: err}
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Utility", "Present", "Enables"})
			table.Append([]string{"wget", yesNo(caps.Has(probe.CapWget)), "http-pull"})
			table.Append([]string{"base64", yesNo(caps.Has(probe.CapBase64)), "whole-file-base64"})
			table.Append([]string{"nc", yesNo(caps.Has(probe.CapNetcat)), "(diagnostics)"})
			table.Render()
			return nil
		},
	}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <device>",
		Short: "Pull a configuration backup archive into the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			slog := log.Sugar()

			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			cfg.Device.Address = args[0]
			if err := resolvePassword(&cfg.Device); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			dev, err := dialDevice(cfg.Device, slog)
			if err != nil {
				return err
			}
			defer dev.Close()

			cacheDir, err := cache.Open(cfg.CacheDir, slog)
			if err != nil {
				return err
			}

			path, err := pullBackup(ctx, dev, cacheDir, cfg.Device.Address, slog)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
}

func newConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <device>",
		Short: "Confirm a firmware that is still inside its safety window",
		Long: "After an upgrade without --auto-confirm the device boots the new\n" +
			"firmware provisionally and reverts at the end of the safety window.\n" +
			"Run confirm once you have checked the device to make the new\n" +
			"firmware permanent.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			slog := log.Sugar()

			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			cfg.Device.Address = args[0]
			if err := resolvePassword(&cfg.Device); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cacheDir, err := cache.Open(cfg.CacheDir, slog)
			if err != nil {
				return err
			}
			sessions, err := upgrade.OpenSessionStore(cacheDir.Dir()+"/sessions", slog)
			if err != nil {
				return err
			}

			sess, err := sessions.Load(cfg.Device.Address)
			if err != nil && !errors.Is(err, upgrade.ErrNoSession) {
				return err
			}
			if sess != nil && sess.Expired(time.Now()) {
				slog.Warnw("saved session already expired; the device has likely reverted",
					"deadline", sess.ConfirmDeadline)
			}

			dev, err := dialDevice(cfg.Device, slog)
			if err != nil {
				return err
			}
			defer dev.Close()

			out, err := dev.Run(ctx, cfg.Upgrade.HelperDest+" confirm")
			if err != nil {
				return fmt.Errorf("confirming firmware: %w (output: %s)", err, strings.TrimSpace(out))
			}

			if sess != nil {
				sess.Status = upgrade.StatusConfirmed
				if err := sessions.Save(cfg.Device.Address, sess); err != nil {
					slog.Warnw("saving confirmed session", "error", err)
				}
			}
			slog.Infow("firmware confirmed", "device", cfg.Device.Address)
			return nil
		},
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func sshCfg(d config.DeviceConfig) sshx.Config {
	return sshx.Config{
		Address:        d.Address,
		User:           d.User,
		Password:       d.Password,
		DialTimeout:    d.DialTimeout(),
		CommandTimeout: d.CommandTimeout(),
	}
}

// dialDevice connects and maps credential rejections onto the error
// taxonomy so the operator sees the right remediation.
func dialDevice(d config.DeviceConfig, log *zap.SugaredLogger) (*sshx.Client, error) {
	dev, err := sshx.Dial(sshCfg(d), log)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "permission denied") {
			return nil, &upgrade.AuthError{User: d.User, Err: err}
		}
		return nil, &upgrade.ConnectivityError{Addr: d.Address, Err: err}
	}
	return dev, nil
}

func resolvePassword(d *config.DeviceConfig) error {
	if d.Password != "" {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("no password configured and stdin is not a terminal; pass --password or set it in the config file")
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", d.User, d.Address)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	d.Password = string(pw)
	return nil
}

func promptYesNo(msg string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", msg)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// pullBackup creates a configuration archive on the device and copies
// it into the timestamped backups directory.
func pullBackup(ctx context.Context, dev sshx.Runner, c *cache.Cache, device string, log *zap.SugaredLogger) (string, error) {
	const remote = "/tmp/fwpush-backup.tar.gz"

	if _, err := dev.Run(ctx, "sysupgrade -b "+remote); err != nil {
		return "", fmt.Errorf("creating device backup: %w", err)
	}
	data, err := dev.Output(ctx, "cat "+remote)
	if err != nil {
		return "", fmt.Errorf("pulling device backup: %w", err)
	}
	dev.Run(ctx, "rm -f "+remote)

	path, err := c.BackupPath(device, time.Now())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}

	log.Infow("configuration backup saved",
		"path", path, "size", humanize.Bytes(uint64(len(data))))
	return path, nil
}

// saveSession records the session on disk so a later `fwpush confirm`
// can find it. Terminal outcomes clear the record.
func saveSession(c *cache.Cache, device string, r *upgrade.Report, log *zap.SugaredLogger) {
	if r == nil || r.Session == nil {
		return
	}
	sessions, err := upgrade.OpenSessionStore(c.Dir()+"/sessions", log)
	if err != nil {
		log.Warnw("opening session store", "error", err)
		return
	}
	switch r.Session.Status {
	case upgrade.StatusTesting:
		if err := sessions.Save(device, r.Session); err != nil {
			log.Warnw("saving session", "error", err)
		}
	default:
		if err := sessions.Delete(device); err != nil {
			log.Warnw("clearing session", "error", err)
		}
	}
}

func printReport(device string, r *upgrade.Report) {
	if r == nil {
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"", ""})
	table.SetBorder(false)
	table.Append([]string{"Device", device})
	table.Append([]string{"Result", r.FinalState.String()})

	helper := r.HelperStrategy
	if r.HelperUpToDate {
		helper = "already up to date"
	}
	if helper != "" {
		table.Append([]string{"Helper", helper})
	}
	if r.FirmwareStrategy != "" {
		table.Append([]string{"Firmware strategy", r.FirmwareStrategy})
	}
	if r.Session != nil {
		table.Append([]string{"Session", r.Session.Status.String()})
		table.Append([]string{"Confirm deadline", r.Session.ConfirmDeadline.Format(time.RFC3339)})
		table.Append([]string{"Partitions", fmt.Sprintf("active %d, previous %d",
			r.Session.ActivePartition, r.Session.PreviousPartition)})
	}
	if r.Warning != nil {
		table.Append([]string{"Warning", r.Warning.Error()})
	}
	table.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
