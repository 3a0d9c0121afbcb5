package npm

import (
	"slices"
)

const (
	defaultScriptImage = "oven/bun:1"    // renovate: datasource=docker depName=oven/bun
	defaultNodeImage   = "node:lts-slim" // renovate: datasource=docker depName=node
	defaultWorkdir     = "/app"
	defaultManifest    = "package.json"
	defaultLockfile    = "bun.lock"
	defaultRegistry    = "https://registry.npmjs.org"
	defaultAccess      = "public"

	nodeModules = "node_modules"

	// npmrcPath is outside the workdir so a package's own .npmrc is kept.
	npmrcPath = "/tmp/npmci/.npmrc"

	// TokenVariable is the environment variable publish tokens are
	// injected as.
	TokenVariable = "NODE_AUTH_TOKEN"
)

// Toolchain selects the images and commands used by [Steps]. Zero fields
// take the defaults of [DefaultToolchain].
type Toolchain struct {
	// Image for installing dependencies and running package scripts.
	ScriptImage string
	// Image providing npm, used to rewrite versions, pack, and publish.
	NodeImage string
	// Path the package is mounted at.
	Workdir string
	// Package manifest file name.
	Manifest string
	// Lockfile name, copied next to the manifest before installing.
	Lockfile string
	// Command installing dependencies from the lockfile.
	Install []string
	// Command prefix running a package script; the script name is appended.
	Run []string
	// Registry URL packages are published to.
	Registry string
	// Access level passed to npm publish.
	Access string
}

// DefaultToolchain returns the bun + npm toolchain.
func DefaultToolchain() Toolchain {
	return Toolchain{
		ScriptImage: defaultScriptImage,
		NodeImage:   defaultNodeImage,
		Workdir:     defaultWorkdir,
		Manifest:    defaultManifest,
		Lockfile:    defaultLockfile,
		Install:     []string{"bun", "install", "--frozen-lockfile"},
		Run:         []string{"bun", "run"},
		Registry:    defaultRegistry,
		Access:      defaultAccess,
	}
}

// WithDefaults returns a copy of t with every zero field set from
// [DefaultToolchain].
func (t Toolchain) WithDefaults() Toolchain {
	d := DefaultToolchain()
	if t.ScriptImage == "" {
		t.ScriptImage = d.ScriptImage
	}
	if t.NodeImage == "" {
		t.NodeImage = d.NodeImage
	}
	if t.Workdir == "" {
		t.Workdir = d.Workdir
	}
	if t.Manifest == "" {
		t.Manifest = d.Manifest
	}
	if t.Lockfile == "" {
		t.Lockfile = d.Lockfile
	}
	if len(t.Install) == 0 {
		t.Install = d.Install
	}
	if len(t.Run) == 0 {
		t.Run = d.Run
	}
	if t.Registry == "" {
		t.Registry = d.Registry
	}
	if t.Access == "" {
		t.Access = d.Access
	}

	t.Install = slices.Clone(t.Install)
	t.Run = slices.Clone(t.Run)

	return t
}
