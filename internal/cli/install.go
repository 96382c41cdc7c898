package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/engine"
	"github.com/hostimage/hostctl/internal/kargs"
)

const defaultExistingRoot = "/target"

// newInstallCommand creates the "install" group.
func newInstallCommand(opts *Options) *cobra.Command {
	return newGroupCommand("install", "Install the first deployment or reset the system into a new stateroot",
		newInstallToDiskCommand(opts),
		newInstallToFilesystemCommand(opts),
		newInstallToExistingRootCommand(opts),
		newInstallResetCommand(opts),
	)
}

// installFlags are shared by the install variants that bootstrap an empty sysroot.
type installFlags struct {
	image     string
	transport string
	stateroot string
	rootKargs []string
	kargs     []string
	block     string
}

func (f *installFlags) add(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.image, "image", "", "Image to install")
	cmd.Flags().StringVar(&f.transport, "transport", string(deploy.TransportRegistry), "Image transport (registry, oci, oci-archive, containers-storage, dir)")
	cmd.Flags().StringVar(&f.stateroot, "stateroot", "", "Name of the first stateroot (default: the image setting or \"default\")")
	cmd.Flags().StringArrayVar(&f.rootKargs, "root-karg", nil, "Kernel argument locating the root filesystem, e.g. root=UUID=... (repeatable)")
	cmd.Flags().StringArrayVar(&f.kargs, "karg", nil, "Additional kernel argument (repeatable)")
	_ = cmd.MarkFlagRequired("image")
}

func (f *installFlags) options() (engine.InstallOptions, error) {
	ref, err := deploy.NewImageReference(f.image, f.transport)
	if err != nil {
		return engine.InstallOptions{}, err
	}
	return engine.InstallOptions{
		Image:     ref,
		Stateroot: f.stateroot,
		RootKargs: f.rootKargs,
		Kargs:     f.kargs,
		Block:     f.block,
	}, nil
}

// installInto bootstraps the sysroot at root.
func installInto(cmd *cobra.Command, opts *Options, root string, installOpts engine.InstallOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg, root, opts, LoggerFromContext(cmd.Context()))
	if err != nil {
		return err
	}
	res, err := rt.engine.Install(cmd.Context(), installOpts)
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), "install", res)
	return nil
}

// newInstallToFilesystemCommand installs into an already prepared and mounted root filesystem.
func newInstallToFilesystemCommand(opts *Options) *cobra.Command {
	var flags installFlags

	cmd := &cobra.Command{
		Use:   "to-filesystem <root>",
		Short: "Install into a mounted, empty root filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			installOpts, err := flags.options()
			if err != nil {
				return err
			}
			return installInto(cmd, opts, args[0], installOpts)
		},
	}

	flags.add(cmd)

	return cmd
}

// newInstallToExistingRootCommand installs alongside an existing distribution mounted at /target.
func newInstallToExistingRootCommand(opts *Options) *cobra.Command {
	var flags installFlags

	cmd := &cobra.Command{
		Use:   "to-existing-root [root]",
		Short: "Install into the root filesystem of a running system (default " + defaultExistingRoot + ")",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := defaultExistingRoot
			if len(args) == 1 {
				root = args[0]
			}
			installOpts, err := flags.options()
			if err != nil {
				return err
			}
			return installInto(cmd, opts, root, installOpts)
		},
	}

	flags.add(cmd)

	return cmd
}

// newInstallToDiskCommand partitions a device with the configured block setup command, then installs
// into the new root filesystem.
func newInstallToDiskCommand(opts *Options) *cobra.Command {
	var (
		flags      installFlags
		filesystem string
		wipe       bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "to-disk <device>",
		Short: "Partition a block device and install onto it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := LoggerFromContext(cmd.Context())
			installOpts, err := flags.options()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if filesystem == "" {
				icfg, err := engine.InspectInstallConfig(ctx, newFetcher(cfg, opts, logger), installOpts.Image, kargs.HostArch())
				if err != nil {
					return err
				}
				filesystem = icfg.RootFSType
			}
			if filesystem == "" {
				return deploy.Errorf(deploy.KindConfig, "install to-disk", "no root filesystem type: pass --filesystem or set install.root-fs-type in the image")
			}

			root, err := engine.SetupDisk(ctx, engine.DiskOptions{
				Command:    cfg.Install.BlockSetupCommand,
				Device:     args[0],
				Filesystem: filesystem,
				Block:      flags.block,
				Wipe:       wipe,
			}, logger)
			if err != nil {
				return err
			}
			logger.Info("root filesystem ready", "device", args[0], "root", root)
			return installInto(cmd, opts, root, installOpts)
		},
	}

	flags.add(cmd)
	cmd.Flags().StringVar(&flags.block, "block-setup", "direct", "Block setup to use (must be allowed by the image)")
	cmd.Flags().StringVar(&filesystem, "filesystem", "", "Root filesystem type (default: the image setting)")
	cmd.Flags().BoolVar(&wipe, "wipe", false, "Destroy existing partitions on the device")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Hour, "Upper bound for inspecting the image and preparing the disk")

	return cmd
}

// newInstallResetCommand creates a fresh stateroot on an installed system.
func newInstallResetCommand(opts *Options) *cobra.Command {
	var (
		stateroot   string
		image       string
		transport   string
		noRootKargs bool
		extraKargs  []string
		reboot      rebootFlags
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Deploy into a new stateroot without carrying over /etc and /var",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resetOpts := engine.ResetOptions{
				Stateroot:        stateroot,
				InheritRootKargs: !noRootKargs,
				Kargs:            extraKargs,
				Apply:            reboot.apply,
			}
			if image != "" {
				ref, err := deploy.NewImageReference(image, transport)
				if err != nil {
					return err
				}
				resetOpts.Image = &ref
			}
			mode, err := reboot.mode(cmd, opts)
			if err != nil {
				return err
			}
			resetOpts.SoftReboot = mode

			rt, err := newRuntime(cmd, opts)
			if err != nil {
				return err
			}
			res, err := rt.engine.Reset(cmd.Context(), resetOpts)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "reset", res)
			return nil
		},
	}

	cmd.Flags().StringVar(&stateroot, "stateroot", "", "Name of the new stateroot (default: state-<year>-<n>)")
	cmd.Flags().StringVar(&image, "target-imgref", "", "Image for the new stateroot (default: the current target)")
	cmd.Flags().StringVar(&transport, "target-transport", string(deploy.TransportRegistry), "Transport of --target-imgref")
	cmd.Flags().BoolVar(&noRootKargs, "no-root-kargs", false, "Do not inherit the root filesystem kernel arguments of the booted deployment")
	cmd.Flags().StringArrayVar(&extraKargs, "karg", nil, "Kernel argument of the new stateroot (repeatable)")
	reboot.add(cmd, true)

	return cmd
}
