package buildstage

// StageInfo holds information about a staged build directory
type StageInfo struct {
	Module  string // Module name
	Version string // Module version the sources were staged at
	Path    string // Absolute path to the staged directory
	Files   int    // Number of files copied; 0 when an up-to-date stage was reused
	Reused  bool   // True if the existing stage already matched Version
}

// ManagerConfig configures the stage manager
type ManagerConfig struct {
	StateDir string // Project state directory; builds live under <StateDir>/build
}
