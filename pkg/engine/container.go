package engine

import (
	"slices"
)

// Op identifies the kind of a [Layer].
type Op int

const (
	OpFrom Op = iota
	OpWithDirectory
	OpWithFile
	OpWithNewFile
	OpWithWorkdir
	OpWithEnvVariable
	OpWithSecretVariable
	OpWithExec
)

func (o Op) String() string {
	switch o {
	case OpFrom:
		return "from"
	case OpWithDirectory:
		return "with-directory"
	case OpWithFile:
		return "with-file"
	case OpWithNewFile:
		return "with-new-file"
	case OpWithWorkdir:
		return "with-workdir"
	case OpWithEnvVariable:
		return "with-env-variable"
	case OpWithSecretVariable:
		return "with-secret-variable"
	case OpWithExec:
		return "with-exec"
	default:
		return "unknown"
	}
}

// Layer is a single operation applied on top of a [Container]. Only the
// fields relevant to Op are set.
type Layer struct {
	Op Op
	// Image reference for [OpFrom].
	Image string
	// Destination path for directory, file, and workdir layers.
	Path string
	// Source tree for [OpWithDirectory] and [OpWithFile].
	Tree Tree
	// Name of the file within Tree for [OpWithFile], or the variable name
	// for env and secret layers.
	Name string
	// Value of an env variable or the contents of a new file.
	Value string
	// Secret for [OpWithSecretVariable].
	Secret *Secret
	// Command arguments for [OpWithExec].
	Args []string
}

// Container is an immutable execution environment description. Every
// With* method returns a new Container layered on the receiver; the
// receiver is never modified, so a Container can be shared and extended
// from several places without interference.
//
// A Container does nothing by itself. An [Engine] evaluates it.
type Container struct {
	layers []Layer
}

// From returns a [Container] based on the given image.
func From(image string) Container {
	return Container{}.with(Layer{Op: OpFrom, Image: image})
}

// with copies the layer list before appending so that two children of the
// same parent never share a backing array.
func (c Container) with(l Layer) Container {
	layers := make([]Layer, len(c.layers), len(c.layers)+1)
	copy(layers, c.layers)

	return Container{layers: append(layers, l)}
}

// WithDirectory copies tree into the container at path.
func (c Container) WithDirectory(path string, tree Tree) Container {
	return c.with(Layer{Op: OpWithDirectory, Path: path, Tree: tree})
}

// WithFile copies the file name from tree into the container at path.
func (c Container) WithFile(path string, tree Tree, name string) Container {
	return c.with(Layer{Op: OpWithFile, Path: path, Tree: tree, Name: name})
}

// WithNewFile writes contents to path.
func (c Container) WithNewFile(path, contents string) Container {
	return c.with(Layer{Op: OpWithNewFile, Path: path, Value: contents})
}

// WithWorkdir sets the working directory for subsequent execs.
func (c Container) WithWorkdir(path string) Container {
	return c.with(Layer{Op: OpWithWorkdir, Path: path})
}

// WithEnvVariable sets a plain environment variable.
func (c Container) WithEnvVariable(name, value string) Container {
	return c.with(Layer{Op: OpWithEnvVariable, Name: name, Value: value})
}

// WithSecretVariable exposes secret as the environment variable name.
func (c Container) WithSecretVariable(name string, secret *Secret) Container {
	return c.with(Layer{Op: OpWithSecretVariable, Name: name, Secret: secret})
}

// WithExec runs args in the container.
func (c Container) WithExec(args []string) Container {
	return c.with(Layer{Op: OpWithExec, Args: slices.Clone(args)})
}

// Directory returns the tree found at path after all layers of c have been
// applied. The tree is lazy: it is only materialized when an [Engine] reads
// it.
func (c Container) Directory(path string) Tree {
	return Tree{kind: TreeOutput, path: path, from: &c}
}

// Layers returns a copy of the layers of c, oldest first.
func (c Container) Layers() []Layer {
	return slices.Clone(c.layers)
}

// IsZero reports whether c has no layers.
func (c Container) IsZero() bool {
	return len(c.layers) == 0
}

// Workdir returns the last working directory set on c.
func (c Container) Workdir() string {
	for i := len(c.layers) - 1; i >= 0; i-- {
		if c.layers[i].Op == OpWithWorkdir {
			return c.layers[i].Path
		}
	}

	return ""
}

// LastExec returns the arguments of the most recent exec layer, or nil.
func (c Container) LastExec() []string {
	for i := len(c.layers) - 1; i >= 0; i-- {
		if c.layers[i].Op == OpWithExec {
			return slices.Clone(c.layers[i].Args)
		}
	}

	return nil
}
