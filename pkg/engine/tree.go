package engine

import (
	"maps"
	"slices"
)

// TreeKind identifies where the files of a [Tree] come from.
type TreeKind int

const (
	// TreeFiles is a tree of literal file contents.
	TreeFiles TreeKind = iota
	// TreeHost is a directory on the machine running the pipeline.
	TreeHost
	// TreeGit is a branch of a remote git repository.
	TreeGit
	// TreeOutput is a directory taken from an evaluated [Container].
	TreeOutput
)

func (k TreeKind) String() string {
	switch k {
	case TreeFiles:
		return "files"
	case TreeHost:
		return "host"
	case TreeGit:
		return "git"
	case TreeOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Tree is an immutable handle to a set of files. Constructing a Tree never
// touches the filesystem or the network.
type Tree struct {
	kind    TreeKind
	files   map[string]string
	path    string
	exclude []string
	url     string
	branch  string
	from    *Container
}

// Files returns a [Tree] holding the given files, keyed by slash-separated
// relative path. The map is copied.
func Files(files map[string]string) Tree {
	return Tree{kind: TreeFiles, files: maps.Clone(files)}
}

// HostDir returns a [Tree] for a directory on the host, omitting entries
// matching the exclude patterns.
func HostDir(path string, exclude ...string) Tree {
	return Tree{kind: TreeHost, path: path, exclude: slices.Clone(exclude)}
}

// GitBranch returns a lazy [Tree] for branch of the repository at url.
func GitBranch(url, branch string) Tree {
	return Tree{kind: TreeGit, url: url, branch: branch}
}

// Kind reports where the files of t come from.
func (t Tree) Kind() TreeKind {
	return t.kind
}

// FileMap returns a copy of the literal files of a [TreeFiles] tree.
func (t Tree) FileMap() map[string]string {
	return maps.Clone(t.files)
}

// HostPath returns the host directory and exclude patterns of a
// [TreeHost] tree.
func (t Tree) HostPath() (string, []string) {
	return t.path, slices.Clone(t.exclude)
}

// Repository returns the url and branch of a [TreeGit] tree.
func (t Tree) Repository() (string, string) {
	return t.url, t.branch
}

// Output returns the container and path of a [TreeOutput] tree.
func (t Tree) Output() (Container, string) {
	if t.from == nil {
		return Container{}, t.path
	}

	return *t.from, t.path
}
