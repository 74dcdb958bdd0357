package engine

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Artifact describes the software package being installed. It is derived
// once from the operator's input path and never changes afterwards.
type Artifact struct {
	// SourcePath is the absolute local path of the executable or package.
	SourcePath string `json:"source_path"`

	// FolderPath is the local folder containing SourcePath. The whole folder
	// is staged so installers can find their side files.
	FolderPath string `json:"folder_path"`

	// FolderName is the last element of FolderPath.
	FolderName string `json:"folder_name"`

	// FileName is the last element of SourcePath.
	FileName string `json:"file_name"`

	// Extension is the lowercase extension of FileName, including the dot.
	Extension string `json:"extension"`

	// Args are the optional installer arguments.
	Args InstallArgs `json:"args"`

	// Argv is Args split into arguments for the artifact's platform.
	Argv []string `json:"argv,omitempty"`
}

// NewArtifact derives an Artifact from a local path. The path must name a
// readable regular file.
func NewArtifact(sourcePath string, args InstallArgs) (*Artifact, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return nil, NewValidationError("artifact path is empty", nil)
	}

	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, NewValidationError("failed to resolve artifact path", err).
			WithDetail("path", sourcePath)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, NewValidationError("artifact path is not readable", err).
			WithCode(ErrCodeNotFound).
			WithDetail("path", abs)
	}
	if !info.Mode().IsRegular() {
		return nil, NewValidationError("artifact path is not a regular file", nil).
			WithDetail("path", abs)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, NewValidationError("artifact path is not readable", err).
			WithDetail("path", abs)
	}
	_ = f.Close()

	folder := filepath.Dir(abs)
	name := filepath.Base(abs)
	ext := strings.ToLower(filepath.Ext(name))

	argv, err := args.Words(IsWindowsExtension(ext))
	if err != nil {
		return nil, NewValidationError("installer arguments are malformed", err).
			WithDetail("args", args.Value)
	}

	return &Artifact{
		SourcePath: abs,
		FolderPath: folder,
		FolderName: filepath.Base(folder),
		FileName:   name,
		Extension:  ext,
		Args:       args,
		Argv:       argv,
	}, nil
}

// Name returns the file name without its extension. It is used to name the
// run log and the failure file.
func (a *Artifact) Name() string {
	return strings.TrimSuffix(a.FileName, filepath.Ext(a.FileName))
}

// StagedFolder returns the remote folder the artifact's folder is copied to.
// Remote paths always use forward slashes.
func (a *Artifact) StagedFolder(stagingRoot string) string {
	return path.Join(filepath.ToSlash(stagingRoot), a.FolderName)
}

// StagedExecutable returns the remote path of the staged executable.
func (a *Artifact) StagedExecutable(stagingRoot string) string {
	return path.Join(a.StagedFolder(stagingRoot), a.FileName)
}

// Installer describes how a package format is installed.
type Installer struct {
	// Command is the platform installer binary.
	Command string `json:"command" yaml:"command"`

	// Verb precedes the package path, e.g. "/i" or "-i".
	Verb string `json:"verb" yaml:"verb"`

	// DefaultArgs are used when the operator gave no arguments.
	DefaultArgs []string `json:"default_args,omitempty" yaml:"default_args,omitempty"`

	// ArgsFirst places the arguments before the verb instead of after the path.
	ArgsFirst bool `json:"args_first,omitempty" yaml:"args_first,omitempty"`
}

// InstallerTable maps lowercase extensions (with dot) to installers.
type InstallerTable map[string]Installer

// DefaultInstallers returns the built-in installer table.
func DefaultInstallers() InstallerTable {
	return InstallerTable{
		".msi": {Command: "msiexec", Verb: "/i", DefaultArgs: []string{"/qn", "/norestart"}},
		".msp": {Command: "msiexec", Verb: "/p", DefaultArgs: []string{"/qn", "/norestart"}},
		".deb": {Command: "dpkg", Verb: "-i", ArgsFirst: true},
		".rpm": {Command: "rpm", Verb: "-Uvh", ArgsFirst: true},
	}
}

// Resolve returns the command and arguments that install the artifact staged
// at stagedExecutable. Installer-package extensions go through the platform
// installer; anything else is invoked directly with the explicit arguments.
func (t InstallerTable) Resolve(artifact *Artifact, stagedExecutable string) (string, []string) {
	inst, ok := t[artifact.Extension]
	if !ok {
		return stagedExecutable, artifact.Argv
	}

	extra := inst.DefaultArgs
	if artifact.Args.Set {
		extra = artifact.Argv
	}

	args := make([]string, 0, len(extra)+2)
	if inst.ArgsFirst {
		args = append(args, extra...)
		args = append(args, inst.Verb, stagedExecutable)
		return inst.Command, args
	}
	args = append(args, inst.Verb, stagedExecutable)
	args = append(args, extra...)
	return inst.Command, args
}

// CommandLine renders a command and its arguments for logs.
func CommandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return fmt.Sprintf("%s %s", command, strings.Join(args, " "))
}
