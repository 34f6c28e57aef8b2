// Package builtin implements the closed tool catalogue the agent loops
// expose to the model. One file per tool; Register wires the catalogue
// into a registry with its collaborators.
package builtin

import (
	"fmt"
	"net/http"
	"time"

	"milo/internal/agent/ports"
	"milo/internal/checkpoint"
	"milo/internal/logging"
	"milo/internal/tasks"
	"milo/internal/tools"
)

// ProjectRuntime is the slice of the supervisor the informational tools
// need. A nil runtime makes those tools explain that nothing is running.
type ProjectRuntime interface {
	// TailLogs returns the last n captured output lines for the project.
	TailLogs(projectPath string, n int) []string
	// RunningPort returns the detected port when the project is running.
	RunningPort(projectPath string) (int, bool)
}

// Deps carries the collaborators the catalogue needs.
type Deps struct {
	Workspace *tools.Workspace
	Runtime   ProjectRuntime
	Remote    ports.RemoteFileClient
	HTTP      *http.Client
	Logger    logging.Logger
}

// Register wires the full catalogue into the registry. Remote tools are
// registered only when a remote client is configured.
func Register(reg *tools.Registry, deps Deps) error {
	if deps.Workspace == nil {
		return fmt.Errorf("builtin: workspace is required")
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 20 * time.Second}
	}
	deps.Logger = logging.OrNop(deps.Logger)

	taskStore := tasks.NewStore(deps.Workspace.Root())
	checkpoints := checkpoint.NewStore(deps.Workspace.Root(), deps.Logger)

	catalogue := []ports.ToolExecutor{
		NewReadFile(deps.Workspace),
		NewWriteFile(deps.Workspace),
		NewEditFile(deps.Workspace),
		NewListFiles(deps.Workspace),
		NewSearchFiles(deps.Workspace),
		NewCreateDirectory(deps.Workspace),
		NewDeleteFile(deps.Workspace),
		NewReadMultipleFiles(deps.Workspace),
		NewExecuteCommand(deps.Workspace),
		NewRunTest(deps.Workspace),
		NewInstallPackage(deps.Workspace),
		NewRunDiagnostics(deps.Workspace),
		NewReadLogs(deps.Workspace, deps.Runtime),
		NewWebSearch(deps.HTTP),
		NewTaskList(taskStore),
		NewCheckpoint(checkpoints),
		NewManageDatabase(deps.Workspace),
		NewManageEnv(deps.Workspace),
		NewGit(deps.Workspace),
		NewScaffoldProject(deps.Workspace),
		NewAuditDependencies(deps.Workspace),
		NewAnalyzeImports(deps.Workspace),
		NewTakeScreenshot(deps.Workspace, deps.Runtime, deps.HTTP),
	}
	if deps.Remote != nil {
		catalogue = append(catalogue,
			NewListRemoteRepls(deps.Remote),
			NewReadRemoteFile(deps.Remote),
			NewWriteRemoteFile(deps.Remote),
			NewListRemoteFiles(deps.Remote),
			NewDeleteRemoteFile(deps.Remote),
		)
	}

	for _, tool := range catalogue {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
