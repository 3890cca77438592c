// Package propagate bootstraps child processes into the virtual view. The
// native original injects a DLL into a suspended child; a Go process
// cannot be entered that way, so the seed travels through the child's
// environment and the child completes the handshake itself by calling
// AttachFromEnv before touching the filesystem.
package propagate

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/frames/usvfs"
	"github.com/frames/usvfs/data"
)

// Environment keys carrying the configuration seed to a child.
const (
	EnvInstance       = "USVFS_INSTANCE"
	EnvSHM            = "USVFS_SHM"
	EnvInverseSHM     = "USVFS_INVERSE_SHM"
	EnvDebug          = "USVFS_DEBUG"
	EnvLogLevel       = "USVFS_LOG_LEVEL"
	EnvCrashDumpsType = "USVFS_CRASH_DUMPS_TYPE"
	EnvCrashDumpsPath = "USVFS_CRASH_DUMPS_PATH"
	EnvOverlay        = "USVFS_OVERLAY"
	EnvForcedLibs     = "USVFS_FORCE_LOAD"
)

// ErrNotBootstrapped reports a child started without a seed in its
// environment.
var ErrNotBootstrapped = errors.New("usvfs: process not bootstrapped")

// Environment renders the seed and forced-library list as environment
// assignments.
func Environment(params data.Parameters, forcedLibs []string) []string {
	env := []string{
		EnvInstance + "=" + params.InstanceName,
		EnvSHM + "=" + params.SHMName,
		EnvInverseSHM + "=" + params.InverseSHMName,
		EnvDebug + "=" + strconv.FormatBool(params.DebugMode),
		EnvLogLevel + "=" + params.LogLevel.String(),
		EnvCrashDumpsType + "=" + params.CrashDumpsType.String(),
		EnvCrashDumpsPath + "=" + params.CrashDumpsPath,
		EnvOverlay + "=" + params.OverlayPath,
	}
	if len(forcedLibs) > 0 {
		env = append(env, EnvForcedLibs+"="+strings.Join(forcedLibs, string(os.PathListSeparator)))
	}
	return env
}

// SeedFromEnv reconstructs the configuration seed from the process
// environment. Returns ErrNotBootstrapped when no instance is present.
func SeedFromEnv() (data.Parameters, error) {
	instance := os.Getenv(EnvInstance)
	if instance == "" {
		return data.Parameters{}, ErrNotBootstrapped
	}

	debug, _ := strconv.ParseBool(os.Getenv(EnvDebug))

	return data.Parameters{
		InstanceName:   instance,
		SHMName:        os.Getenv(EnvSHM),
		InverseSHMName: os.Getenv(EnvInverseSHM),
		DebugMode:      debug,
		LogLevel:       data.ParseLogLevel(os.Getenv(EnvLogLevel)),
		CrashDumpsType: data.ParseCrashDumpsType(os.Getenv(EnvCrashDumpsType)),
		CrashDumpsPath: os.Getenv(EnvCrashDumpsPath),
		OverlayPath:    os.Getenv(EnvOverlay),
	}, nil
}

// ForcedLibrariesFromEnv returns the library paths a bootstrapped child
// must load before its main logic runs. Loading them is the launcher
// shim's job.
func ForcedLibrariesFromEnv() []string {
	raw := os.Getenv(EnvForcedLibs)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, string(os.PathListSeparator))
}

// Bootstrap prepares cmd to run inside the parent's instance. A
// blacklisted executable launches untouched; every other child gets the
// seed and its forced libraries in its environment. Reports whether the
// child was virtualized.
func Bootstrap(ctx *usvfs.HookContext, cmd *exec.Cmd) (bool, error) {
	appName := cmd.Path
	commandLine := strings.Join(cmd.Args, " ")

	blacklisted, err := ctx.ExecutableBlacklisted(appName, commandLine)
	if err != nil {
		return false, err
	}
	if blacklisted {
		ctx.Logger().Info("launching %s without virtualization (blacklisted)", appName)
		return false, nil
	}

	params, err := ctx.CallParameters()
	if err != nil {
		// A dropped instance must not break process creation; the child
		// just runs unvirtualized.
		ctx.Logger().Warn("bootstrap of %s failed, launching unvirtualized: %v", appName, err)
		return false, nil
	}

	libs, err := ctx.LibrariesToForceLoad(filepath.Base(appName))
	if err != nil {
		return false, err
	}

	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, Environment(params, libs)...)
	return true, nil
}

// Command builds an exec.Cmd for a virtualized child.
func Command(ctx *usvfs.HookContext, name string, args ...string) (*exec.Cmd, bool, error) {
	cmd := exec.Command(name, args...)
	injected, err := Bootstrap(ctx, cmd)
	if err != nil {
		return nil, false, err
	}
	return cmd, injected, nil
}

// AttachFromEnv completes the child side of the handshake: attach with
// the inherited seed and register this process with the instance.
func AttachFromEnv(opts ...usvfs.ContextOption) (*usvfs.HookContext, error) {
	seed, err := SeedFromEnv()
	if err != nil {
		return nil, err
	}

	ctx, err := usvfs.Attach(seed, opts...)
	if err != nil {
		return nil, err
	}

	if err := ctx.RegisterProcess(uint32(os.Getpid())); err != nil {
		ctx.Detach()
		return nil, err
	}

	return ctx, nil
}

// Shutdown runs the process-exit path: unregister, then detach. The last
// process out tears the instance down.
func Shutdown(ctx *usvfs.HookContext) error {
	if err := ctx.UnregisterCurrentProcess(); err != nil {
		return err
	}
	return ctx.Detach()
}
