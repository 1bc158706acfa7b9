package tools

import "time"

// Deps are the collaborators the built-in tools run against.
type Deps struct {
	Workspace    string
	Executor     Executor
	ShellTimeout time.Duration
	Spawner      Spawner
	Mailbox      Mailbox
}

// NewBuiltinCatalog registers every built-in tool. The coordination tools
// are skipped when their collaborator is nil.
func NewBuiltinCatalog(deps Deps) (*Catalog, error) {
	c := NewCatalog()
	if err := registerFileTools(c, deps.Workspace); err != nil {
		return nil, err
	}
	if err := registerShell(c, deps.Executor, deps.Workspace, deps.ShellTimeout); err != nil {
		return nil, err
	}
	if err := registerCoordination(c, deps.Spawner, deps.Mailbox); err != nil {
		return nil, err
	}
	return c, nil
}
