package meta

const (
	// CLIAPIVersion used to communicate with tooling driving the daemon
	CLIAPIVersion    = 1
	CLIAPIMinVersion = 1

	// ArchiveFormatVersion is the on-disk database archive layout
	ArchiveFormatVersion    = 1
	ArchiveFormatMinVersion = 1
)

// Following variables are empty unless set at link time with -ldflags -X
var (
	Version   string
	GitCommit string
	BuildDate string
)

type VersionOutput struct {
	Version   string
	GitCommit string
	BuildDate string

	CLIAPIVersion           int
	CLIAPIMinVersion        int
	ArchiveFormatVersion    int
	ArchiveFormatMinVersion int
}

func GetVersion() *VersionOutput {
	return &VersionOutput{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,

		CLIAPIVersion:           CLIAPIVersion,
		CLIAPIMinVersion:        CLIAPIMinVersion,
		ArchiveFormatVersion:    ArchiveFormatVersion,
		ArchiveFormatMinVersion: ArchiveFormatMinVersion,
	}
}
