package usvfs

import "os"

// Convenience wrappers over single-operation guard sections. Shims that
// need a compound invariant take a guard themselves and batch; everything
// below is one guarded step.

// RegisterProcess adds pid to the instance's participant set.
func (c *HookContext) RegisterProcess(pid uint32) error {
	guard, err := c.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	return guard.RegisterProcess(pid)
}

// UnregisterCurrentProcess removes this process from the participant set.
func (c *HookContext) UnregisterCurrentProcess() error {
	guard, err := c.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	guard.UnregisterProcess(uint32(os.Getpid()))
	return nil
}

// RegisteredProcesses lists the instance's participant pids.
func (c *HookContext) RegisteredProcesses() ([]uint32, error) {
	guard, err := c.ReadAccess()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	return guard.RegisteredProcesses(), nil
}

// BlacklistExecutable adds a suffix to the executable blacklist.
func (c *HookContext) BlacklistExecutable(item string) error {
	guard, err := c.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	return guard.BlacklistExecutable(item)
}

// ClearBlacklist empties the executable blacklist.
func (c *HookContext) ClearBlacklist() error {
	guard, err := c.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	guard.ClearBlacklist()
	return nil
}

// ExecutableBlacklisted evaluates the launch suppression rules.
func (c *HookContext) ExecutableBlacklisted(appName, commandLine string) (bool, error) {
	guard, err := c.ReadAccess()
	if err != nil {
		return false, err
	}
	defer guard.Release()

	return guard.ExecutableBlacklisted(appName, commandLine), nil
}

// ForceLoadLibrary registers a library to load into future processes of
// the given name.
func (c *HookContext) ForceLoadLibrary(processName, libraryPath string) error {
	guard, err := c.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	return guard.ForceLoadLibrary(processName, libraryPath)
}

// ClearForcedLibraries drops all forced-library registrations.
func (c *HookContext) ClearForcedLibraries() error {
	guard, err := c.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	guard.ClearForcedLibraries()
	return nil
}

// LibrariesToForceLoad lists the libraries registered for a process name.
func (c *HookContext) LibrariesToForceLoad(processName string) ([]string, error) {
	guard, err := c.ReadAccess()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	return guard.LibrariesToForceLoad(processName), nil
}

// Deleted-file tracker.

func (c *HookContext) AddDeletedFile(virtualPath, realPath string) error {
	guard, err := c.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	return guard.AddDeletedFile(virtualPath, realPath)
}

func (c *HookContext) ExistsDeletedFile(virtualPath string) (bool, error) {
	guard, err := c.ReadAccess()
	if err != nil {
		return false, err
	}
	defer guard.Release()

	return guard.ExistsDeletedFile(virtualPath), nil
}

func (c *HookContext) ForgetDeletedFile(virtualPath string) (bool, error) {
	guard, err := c.WriteAccess()
	if err != nil {
		return false, err
	}
	defer guard.Release()

	return guard.ForgetDeletedFile(virtualPath), nil
}

func (c *HookContext) LookupDeletedFile(virtualPath string) (string, error) {
	guard, err := c.ReadAccess()
	if err != nil {
		return "", err
	}
	defer guard.Release()

	return guard.LookupDeletedFile(virtualPath), nil
}

// Fake-directory tracker.

func (c *HookContext) AddFakeDirectory(virtualPath, realPath string) error {
	guard, err := c.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	return guard.AddFakeDirectory(virtualPath, realPath)
}

func (c *HookContext) ExistsFakeDirectory(virtualPath string) (bool, error) {
	guard, err := c.ReadAccess()
	if err != nil {
		return false, err
	}
	defer guard.Release()

	return guard.ExistsFakeDirectory(virtualPath), nil
}

func (c *HookContext) ForgetFakeDirectory(virtualPath string) (bool, error) {
	guard, err := c.WriteAccess()
	if err != nil {
		return false, err
	}
	defer guard.Release()

	return guard.ForgetFakeDirectory(virtualPath), nil
}

func (c *HookContext) LookupFakeDirectory(virtualPath string) (string, error) {
	guard, err := c.ReadAccess()
	if err != nil {
		return "", err
	}
	defer guard.Release()

	return guard.LookupFakeDirectory(virtualPath), nil
}
