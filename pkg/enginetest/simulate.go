package enginetest

import (
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/fixentropy-io/daggerverse/pkg/engine"
)

// Marker written into node_modules by a simulated install.
const installedMarker = "node_modules/.installed"

var packageManagers = []string{"bun", "npm", "pnpm", "yarn"}

// simulate runs args against st, mutating its filesystem the way the real
// command would, and returns the output and exit code.
func (e *Engine) simulate(st *state, args []string) (engine.Output, int) {
	if len(args) < 2 || !slices.Contains(packageManagers, args[0]) {
		return engine.Output{}, 0
	}

	switch args[1] {
	case "install", "ci", "i":
		return simulateInstall(st)
	case "run":
		if len(args) < 3 {
			return engine.Output{Stderr: "error: missing script name"}, 1
		}

		return simulateRun(st, args[2])
	case "version":
		if len(args) < 3 {
			return engine.Output{Stderr: "npm error missing version"}, 1
		}

		return simulateVersion(st, args[2])
	case "pack":
		return simulatePack(st)
	case "publish":
		return e.simulatePublish(st, args)
	}

	return engine.Output{}, 0
}

func simulateInstall(st *state) (engine.Output, int) {
	m, err := readManifest(st)
	if err != nil {
		return engine.Output{Stderr: err.Error()}, 1
	}

	deps, _ := m["dependencies"].(map[string]any)
	devDeps, _ := m["devDependencies"].(map[string]any)
	st.fs[st.abs(installedMarker)] = "ok"

	return engine.Output{Stdout: fmt.Sprintf("%d packages installed\n", len(deps)+len(devDeps))}, 0
}

func simulateRun(st *state, script string) (engine.Output, int) {
	m, err := readManifest(st)
	if err != nil {
		return engine.Output{Stderr: err.Error()}, 1
	}

	scripts, _ := m["scripts"].(map[string]any)
	cmd, ok := scripts[script].(string)
	if !ok {
		return engine.Output{Stderr: fmt.Sprintf("error: Script not found %q\n", script)}, 1
	}

	if _, ok := st.fs[st.abs(installedMarker)]; !ok {
		return engine.Output{Stderr: fmt.Sprintf("sh: %s: command not found\n", strings.Fields(cmd)[0])}, 127
	}

	if script == "build" {
		st.fs[st.abs("dist/index.js")] = "// built\n"
	}

	return engine.Output{Stdout: fmt.Sprintf("$ %s\n", cmd)}, 0
}

func simulateVersion(st *state, version string) (engine.Output, int) {
	m, err := readManifest(st)
	if err != nil {
		return engine.Output{Stderr: err.Error()}, 1
	}

	if _, err := semver.StrictNewVersion(version); err != nil {
		return engine.Output{Stderr: fmt.Sprintf("npm error Invalid version: %s\n", version)}, 1
	}

	m["version"] = version
	if err := writeManifest(st, m); err != nil {
		return engine.Output{Stderr: err.Error()}, 1
	}

	return engine.Output{Stdout: "v" + version + "\n"}, 0
}

func simulatePack(st *state) (engine.Output, int) {
	m, err := readManifest(st)
	if err != nil {
		return engine.Output{Stderr: err.Error()}, 1
	}

	name, _ := m["name"].(string)
	version, _ := m["version"].(string)
	tarball := TarballName(name, version)
	st.fs[st.abs(tarball)] = string(TarballContents(name, version))

	return engine.Output{Stdout: tarball + "\n"}, 0
}

func (e *Engine) simulatePublish(st *state, args []string) (engine.Output, int) {
	token, ok := st.secrets["NODE_AUTH_TOKEN"]
	if !ok || token.Empty() {
		return engine.Output{Stderr: "npm error code ENEEDAUTH\nnpm error need auth\n"}, 1
	}

	if e.tokens != nil && !e.tokens[token.Plaintext()] {
		return engine.Output{Stderr: "npm error code E401\nnpm error 401 Unauthorized\n"}, 1
	}

	m, err := readManifest(st)
	if err != nil {
		return engine.Output{Stderr: err.Error()}, 1
	}

	name, _ := m["name"].(string)
	version, _ := m["version"].(string)
	for _, p := range e.published {
		if p.Name == name && p.Version == version {
			return engine.Output{Stderr: fmt.Sprintf(
				"npm error code E403\nnpm error 403 You cannot publish over the previously published versions: %s.\n",
				version,
			)}, 1
		}
	}

	access := "restricted"
	if i := slices.Index(args, "--access"); i >= 0 && i+1 < len(args) {
		access = args[i+1]
	}

	e.published = append(e.published, Package{
		Name:     name,
		Version:  version,
		Access:   access,
		Manifest: st.fs[st.abs("package.json")],
		Token:    token.Name(),
	})

	return engine.Output{Stdout: fmt.Sprintf("+ %s@%s\n", name, version)}, 0
}

// TarballContents returns the bytes of the simulated tarball of a package.
// They start with the gzip magic number, which is not valid UTF-8.
func TarballContents(name, version string) []byte {
	return append([]byte{0x1f, 0x8b, 0x08, 0x00}, fmt.Sprintf("tarball %s@%s", name, version)...)
}

// TarballName returns the file name npm pack gives a package.
func TarballName(name, version string) string {
	name = strings.TrimPrefix(name, "@")
	name = strings.ReplaceAll(name, "/", "-")

	return fmt.Sprintf("%s-%s.tgz", name, version)
}

func readManifest(st *state) (map[string]any, error) {
	p := st.abs("package.json")
	raw, ok := st.fs[p]
	if !ok {
		return nil, fmt.Errorf("ENOENT: no such file or directory, open '%s'", p)
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("EJSONPARSE: %s: %w", path.Base(p), err)
	}

	return m, nil
}

func writeManifest(st *state, m map[string]any) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	st.fs[st.abs("package.json")] = string(b) + "\n"

	return nil
}
