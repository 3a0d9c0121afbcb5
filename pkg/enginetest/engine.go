package enginetest

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/fixentropy-io/daggerverse/pkg/engine"
)

var _ engine.Engine = (*Engine)(nil)

// Repo is a fake git repository.
type Repo struct {
	// Branches maps a branch name to its files.
	Branches map[string]map[string]string
	// Tags in listing order.
	Tags []string
}

// Failure is the result forced onto a command with [Engine.FailExec].
type Failure struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec records a command evaluated by the fake.
type Exec struct {
	Args    []string
	Image   string
	Workdir string
	Env     map[string]string
	// Secrets maps env variable names to secret names.
	Secrets map[string]string
	// Lineage lists, oldest first, the commands whose output the files
	// seen by this exec derive from.
	Lineage  []string
	ExitCode int
}

// Command returns the space-joined arguments of x.
func (x Exec) Command() string {
	return strings.Join(x.Args, " ")
}

// Package is a package accepted by the fake registry.
type Package struct {
	Name     string
	Version  string
	Access   string
	Manifest string
	// Token is the secret name the package was published with.
	Token string
}

// Engine is an in-memory [engine.Engine]. The zero value is not usable;
// create instances with [New].
type Engine struct {
	mu        sync.Mutex
	repos     map[string]*Repo
	hosts     map[string]map[string]string
	failures  map[string]Failure
	tokens    map[string]bool
	memo      map[string]*state
	execs     []Exec
	published []Package
	runCalls  int
	tagCalls  int
	readCalls int
}

// New returns an empty [Engine].
func New() *Engine {
	return &Engine{
		repos:    make(map[string]*Repo),
		hosts:    make(map[string]map[string]string),
		failures: make(map[string]Failure),
		memo:     make(map[string]*state),
	}
}

// AddRepo registers a repository at url.
func (e *Engine) AddRepo(url string, repo Repo) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.repos[url] = &repo
}

// AddHostDir registers files as the contents of a host directory.
func (e *Engine) AddHostDir(dir string, files map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.hosts[dir] = maps.Clone(files)
}

// FailExec forces the command given as space-joined arguments to exit
// with f.
func (e *Engine) FailExec(command string, f Failure) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures[command] = f
}

// AcceptTokens restricts the fake registry to the given publish tokens.
// Without it any non-empty token is accepted.
func (e *Engine) AcceptTokens(tokens ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tokens = make(map[string]bool, len(tokens))
	for _, t := range tokens {
		e.tokens[t] = true
	}
}

// Execs returns every command evaluated so far, in evaluation order.
func (e *Engine) Execs() []Exec {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.execs)
}

// Commands returns the space-joined arguments of [Engine.Execs].
func (e *Engine) Commands() []string {
	execs := e.Execs()
	cmds := make([]string, 0, len(execs))
	for _, x := range execs {
		cmds = append(cmds, x.Command())
	}

	return cmds
}

// FindExec returns the first recorded exec whose command starts with
// prefix.
func (e *Engine) FindExec(prefix string) (Exec, bool) {
	for _, x := range e.Execs() {
		if strings.HasPrefix(x.Command(), prefix) {
			return x, true
		}
	}

	return Exec{}, false
}

// Published returns the packages accepted by the fake registry.
func (e *Engine) Published() []Package {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.published)
}

// Calls returns how many times Run, ReadFile or ExportFile, and Tags were
// called.
func (e *Engine) Calls() (run, read, tags int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.runCalls, e.readCalls, e.tagCalls
}

// Run implements [engine.Engine].
func (e *Engine) Run(ctx context.Context, c engine.Container) (engine.Output, error) {
	if err := ctx.Err(); err != nil {
		return engine.Output{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.runCalls++

	st, err := e.eval(c.Layers())
	if err != nil {
		return engine.Output{}, err
	}

	return st.out, nil
}

// ReadFile implements [engine.Engine]. Like an engine that transports
// file contents as strings, it replaces invalid UTF-8 sequences with
// U+FFFD.
func (e *Engine) ReadFile(ctx context.Context, t engine.Tree, name string) ([]byte, error) {
	contents, err := e.file(ctx, t, name)
	if err != nil {
		return nil, err
	}

	return []byte(strings.ToValidUTF8(contents, "\uFFFD")), nil
}

// ExportFile implements [engine.Engine].
func (e *Engine) ExportFile(ctx context.Context, t engine.Tree, name string) ([]byte, error) {
	contents, err := e.file(ctx, t, name)
	if err != nil {
		return nil, err
	}

	return []byte(contents), nil
}

func (e *Engine) file(ctx context.Context, t engine.Tree, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.readCalls++

	files, _, err := e.tree(t)
	if err != nil {
		return "", err
	}

	contents, ok := files[path.Clean(name)]
	if !ok {
		return "", fmt.Errorf("read %s: %w", name, engine.ErrNotFound)
	}

	return contents, nil
}

// Tags implements [engine.Engine].
func (e *Engine) Tags(ctx context.Context, url string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tagCalls++

	repo, ok := e.repos[url]
	if !ok {
		return nil, fmt.Errorf("repository %s: %w", url, engine.ErrNotFound)
	}

	return slices.Clone(repo.Tags), nil
}

// state is the evaluated result of a layer prefix. States are stored in
// the memo and never modified afterwards.
type state struct {
	image   string
	fs      map[string]string
	workdir string
	env     map[string]string
	secrets map[string]*engine.Secret
	lineage []string
	out     engine.Output
	err     error
}

func (s *state) clone() *state {
	return &state{
		image:   s.image,
		fs:      maps.Clone(s.fs),
		workdir: s.workdir,
		env:     maps.Clone(s.env),
		secrets: maps.Clone(s.secrets),
		lineage: slices.Clone(s.lineage),
	}
}

func (s *state) abs(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}

	wd := s.workdir
	if wd == "" {
		wd = "/"
	}

	return path.Join(wd, p)
}

// eval evaluates layers, reusing memoized prefixes.
func (e *Engine) eval(layers []engine.Layer) (*state, error) {
	if len(layers) == 0 {
		return &state{
			fs:      map[string]string{},
			env:     map[string]string{},
			secrets: map[string]*engine.Secret{},
		}, nil
	}

	key := layersKey(layers)
	if st, ok := e.memo[key]; ok {
		return st, st.err
	}

	parent, err := e.eval(layers[:len(layers)-1])
	if err != nil {
		return nil, err
	}

	st, err := e.apply(parent.clone(), layers[len(layers)-1])
	if err != nil {
		// Only exec failures are memoized; they are recorded once.
		if st != nil {
			st.err = err
			e.memo[key] = st
		}

		return nil, err
	}

	e.memo[key] = st

	return st, nil
}

func (e *Engine) apply(st *state, l engine.Layer) (*state, error) {
	switch l.Op {
	case engine.OpFrom:
		st.image = l.Image
		st.fs = map[string]string{}

	case engine.OpWithDirectory:
		files, lineage, err := e.tree(l.Tree)
		if err != nil {
			return nil, fmt.Errorf("with-directory %s: %w", l.Path, err)
		}
		dst := st.abs(l.Path)
		for rel, contents := range files {
			st.fs[path.Join(dst, rel)] = contents
		}
		st.lineage = mergeLineage(st.lineage, lineage)

	case engine.OpWithFile:
		files, lineage, err := e.tree(l.Tree)
		if err != nil {
			return nil, fmt.Errorf("with-file %s: %w", l.Path, err)
		}
		contents, ok := files[path.Clean(l.Name)]
		if !ok {
			return nil, fmt.Errorf("with-file %s: %s: %w", l.Path, l.Name, engine.ErrNotFound)
		}
		st.fs[st.abs(l.Path)] = contents
		st.lineage = mergeLineage(st.lineage, lineage)

	case engine.OpWithNewFile:
		st.fs[st.abs(l.Path)] = l.Value

	case engine.OpWithWorkdir:
		st.workdir = st.abs(l.Path)

	case engine.OpWithEnvVariable:
		st.env[l.Name] = l.Value

	case engine.OpWithSecretVariable:
		st.secrets[l.Name] = l.Secret

	case engine.OpWithExec:
		return e.exec(st, l.Args)

	default:
		return nil, fmt.Errorf("unsupported layer %s", l.Op)
	}

	return st, nil
}

func (e *Engine) exec(st *state, args []string) (*state, error) {
	command := strings.Join(args, " ")

	var (
		out  engine.Output
		code int
	)
	if f, ok := e.failures[command]; ok {
		out, code = engine.Output{Stdout: f.Stdout, Stderr: f.Stderr}, f.ExitCode
	} else {
		out, code = e.simulate(st, args)
	}

	secrets := make(map[string]string, len(st.secrets))
	for k, s := range st.secrets {
		secrets[k] = s.Name()
	}

	e.execs = append(e.execs, Exec{
		Args:     slices.Clone(args),
		Image:    st.image,
		Workdir:  st.workdir,
		Env:      maps.Clone(st.env),
		Secrets:  secrets,
		Lineage:  slices.Clone(st.lineage),
		ExitCode: code,
	})

	st.lineage = append(st.lineage, command)
	st.out = out

	if code != 0 {
		return st, &engine.ExecError{
			Args:     slices.Clone(args),
			ExitCode: code,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
		}
	}

	return st, nil
}

// tree returns the files of t keyed by relative path, and the lineage of
// commands that produced them.
func (e *Engine) tree(t engine.Tree) (map[string]string, []string, error) {
	switch t.Kind() {
	case engine.TreeFiles:
		return t.FileMap(), nil, nil

	case engine.TreeHost:
		dir, exclude := t.HostPath()
		files, ok := e.hosts[dir]
		if !ok {
			return nil, nil, fmt.Errorf("host directory %s: %w", dir, engine.ErrNotFound)
		}
		out := make(map[string]string, len(files))
		for p, contents := range files {
			if !excluded(p, exclude) {
				out[p] = contents
			}
		}

		return out, nil, nil

	case engine.TreeGit:
		url, branch := t.Repository()
		repo, ok := e.repos[url]
		if !ok {
			return nil, nil, fmt.Errorf("repository %s: %w", url, engine.ErrNotFound)
		}
		files, ok := repo.Branches[branch]
		if !ok {
			return nil, nil, fmt.Errorf("branch %s of %s: %w", branch, url, engine.ErrNotFound)
		}

		return maps.Clone(files), nil, nil

	case engine.TreeOutput:
		from, dir := t.Output()
		st, err := e.eval(from.Layers())
		if err != nil {
			return nil, nil, err
		}
		prefix := strings.TrimSuffix(st.abs(dir), "/") + "/"
		out := make(map[string]string)
		for p, contents := range st.fs {
			if strings.HasPrefix(p, prefix) {
				out[strings.TrimPrefix(p, prefix)] = contents
			}
		}

		return out, slices.Clone(st.lineage), nil
	}

	return nil, nil, fmt.Errorf("unsupported tree kind %s", t.Kind())
}

func excluded(p string, patterns []string) bool {
	for _, ex := range patterns {
		if p == ex || strings.HasPrefix(p, ex+"/") {
			return true
		}
		if ok, _ := path.Match(ex, p); ok {
			return true
		}
	}

	return false
}

func mergeLineage(dst, src []string) []string {
	for _, c := range src {
		if !slices.Contains(dst, c) {
			dst = append(dst, c)
		}
	}

	return dst
}

// layersKey returns a content key for layers, so that identical layer
// chains built independently share one evaluation.
func layersKey(layers []engine.Layer) string {
	var b strings.Builder
	for _, l := range layers {
		fmt.Fprintf(&b, "%d|%s|%s|%s|%s|%q|", l.Op, l.Image, l.Path, l.Name, l.Value, l.Args)
		if l.Op == engine.OpWithDirectory || l.Op == engine.OpWithFile {
			b.WriteString(treeKey(l.Tree))
		}
		if l.Secret != nil {
			fmt.Fprintf(&b, "secret:%s:%s", l.Secret.Name(), l.Secret.Plaintext())
		}
		b.WriteString(";")
	}

	return b.String()
}

func treeKey(t engine.Tree) string {
	switch t.Kind() {
	case engine.TreeFiles:
		files := t.FileMap()
		keys := make([]string, 0, len(files))
		for k := range files {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("files(")
		for _, k := range keys {
			fmt.Fprintf(&b, "%q=%q,", k, files[k])
		}
		b.WriteString(")")

		return b.String()
	case engine.TreeHost:
		dir, exclude := t.HostPath()

		return fmt.Sprintf("host(%s,%q)", dir, exclude)
	case engine.TreeGit:
		url, branch := t.Repository()

		return fmt.Sprintf("git(%s@%s)", url, branch)
	case engine.TreeOutput:
		from, dir := t.Output()

		return fmt.Sprintf("output(%s:%s)", layersKey(from.Layers()), dir)
	}

	return "unknown"
}
