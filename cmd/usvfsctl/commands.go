package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frames/usvfs/propagate"
	"github.com/frames/usvfs/redirect"
	"github.com/frames/usvfs/tree"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Seed an instance from config and flags",
	Long: `create attaches to the configured instance, constructing it on
first use, and installs the config file's links, blacklist, and
forced-library declarations.

An instance lives only while at least one process is attached; pass
--wait to hold it open until interrupted, or follow up with 'run'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := attachInstance()
		if err != nil {
			return err
		}
		defer ctx.Detach()

		if err := applyMappings(ctx); err != nil {
			return err
		}

		fmt.Printf("instance %s seeded\n", instanceName)

		wait, _ := cmd.Flags().GetBool("wait")
		if wait {
			fmt.Println("holding instance open; interrupt to release")
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
		}
		return nil
	},
}

var linkCmd = &cobra.Command{
	Use:   "link <virtual-path> <real-path>...",
	Short: "Layer real paths over a virtual location",
	Long: `link maps a virtual path onto the host filesystem. A real
directory (or several, layered in order with the last winning name
collisions) becomes a source stack; a single real file becomes a file
mapping.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := attachInstance()
		if err != nil {
			return err
		}
		defer ctx.Detach()

		virtual, reals := args[0], args[1:]

		info, err := os.Stat(reals[0])
		if err != nil {
			return err
		}

		guard, err := ctx.WriteAccess()
		if err != nil {
			return err
		}
		defer guard.Release()

		if !info.IsDir() {
			if len(reals) != 1 {
				return fmt.Errorf("file mapping takes exactly one real path")
			}
			if _, err := guard.AddFile(virtual, reals[0], 0); err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", virtual, reals[0])
			return nil
		}

		for _, real := range reals {
			if info, err := os.Stat(real); err != nil {
				return err
			} else if !info.IsDir() {
				return fmt.Errorf("%s: cannot layer a file into a directory stack", real)
			}
		}
		if _, err := guard.AddDirectory(virtual, reals, 0); err != nil {
			return err
		}
		fmt.Printf("%s -> %v\n", virtual, reals)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <virtual-path>",
	Short: "Enumerate a virtual directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := attachInstance()
		if err != nil {
			return err
		}
		defer ctx.Detach()

		if err := applyMappings(ctx); err != nil {
			return err
		}

		engine := redirect.New(ctx)
		entries, err := engine.Enumerate(args[0])
		if err != nil {
			return err
		}

		for _, entry := range entries {
			kind := "file"
			if entry.Dir {
				kind = "dir "
			}
			origin := entry.RealPath
			if entry.Virtual && origin == "" {
				origin = "(virtual)"
			}
			fmt.Printf("%s  %-32s %s\n", kind, entry.Name, origin)
		}
		return nil
	},
}

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Dump the virtual tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := attachInstance()
		if err != nil {
			return err
		}
		defer ctx.Detach()

		if err := applyMappings(ctx); err != nil {
			return err
		}

		guard, err := ctx.ReadAccess()
		if err != nil {
			return err
		}
		defer guard.Release()

		dumpNode(guard.Tree().Root(), 0)
		return nil
	},
}

func dumpNode(node tree.Node, depth int) {
	for i := 0; i < depth; i++ {
		fmt.Print("  ")
	}

	name := node.Name()
	if name == "" {
		name = "/"
	}

	switch node.Kind() {
	case tree.KindDirectory:
		fmt.Printf("%s/ %v\n", name, node.RealPaths())
	case tree.KindTombstone:
		fmt.Printf("%s (deleted)\n", name)
	default:
		fmt.Printf("%s -> %s\n", name, node.RealPath())
	}

	count := node.ChildCount()
	for i := 0; i < count; i++ {
		dumpNode(node.ChildAt(i), depth+1)
	}
}

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Launch a process inside the virtual view",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := attachInstance()
		if err != nil {
			return err
		}
		defer propagate.Shutdown(ctx)

		if err := applyMappings(ctx); err != nil {
			return err
		}
		if err := ctx.RegisterProcess(uint32(os.Getpid())); err != nil {
			return err
		}

		child, injected, err := propagate.Command(ctx, args[0], args[1:]...)
		if err != nil {
			return err
		}
		if !injected {
			fmt.Fprintf(os.Stderr, "warning: %s launches unvirtualized\n", args[0])
		}

		child.Stdin = os.Stdin
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr

		if err := child.Run(); err != nil {
			var exit *exec.ExitError
			if errors.As(err, &exit) {
				os.Exit(exit.ExitCode())
			}
			return err
		}
		return nil
	},
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List processes attached to the instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := attachInstance()
		if err != nil {
			return err
		}
		defer ctx.Detach()

		pids, err := ctx.RegisteredProcesses()
		if err != nil {
			return err
		}

		for _, pid := range pids {
			fmt.Println(pid)
		}
		return nil
	},
}

var blacklistCmd = &cobra.Command{
	Use:   "blacklist [suffix...]",
	Short: "Add executable suffixes to the launch blacklist",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := attachInstance()
		if err != nil {
			return err
		}
		defer ctx.Detach()

		clearAll, _ := cmd.Flags().GetBool("clear")
		if clearAll {
			return ctx.ClearBlacklist()
		}

		for _, item := range args {
			if err := ctx.BlacklistExecutable(item); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	createCmd.Flags().Bool("wait", false, "stay attached until interrupted")
	blacklistCmd.Flags().Bool("clear", false, "clear the blacklist instead of adding")
}
