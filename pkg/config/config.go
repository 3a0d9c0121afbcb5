// Package config loads npmci settings from a YAML file.
//
// Every field is optional. Unset fields take the defaults of the package
// that consumes them, so an empty or missing file is a valid configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"slices"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/fixentropy-io/daggerverse/pkg/archive"
	"github.com/fixentropy-io/daggerverse/pkg/engine"
	"github.com/fixentropy-io/daggerverse/pkg/failure"
	"github.com/fixentropy-io/daggerverse/pkg/npm"
	"github.com/fixentropy-io/daggerverse/pkg/oidctoken"
)

// DefaultPath is the file read when no path is given.
const DefaultPath = ".npmci.yaml"

var ErrInvalid = fmt.Errorf("%w: invalid config", failure.ErrConfiguration)

var accessLevels = []string{"public", "restricted"}

// Config is the root of the configuration file.
type Config struct {
	Toolchain Toolchain `yaml:"toolchain"`
	Registry  Registry  `yaml:"registry"`
	OIDC      OIDC      `yaml:"oidc"`
	Archive   Archive   `yaml:"archive"`
}

// Toolchain selects images and commands. See [npm.Toolchain].
type Toolchain struct {
	ScriptImage string   `yaml:"scriptImage"`
	NodeImage   string   `yaml:"nodeImage"`
	Workdir     string   `yaml:"workdir"`
	Manifest    string   `yaml:"manifest"`
	Lockfile    string   `yaml:"lockfile"`
	Install     []string `yaml:"install"`
	Run         []string `yaml:"run"`
}

// Registry is the npm registry packages are published to.
type Registry struct {
	URL    string `yaml:"url"`
	Access string `yaml:"access"`
}

// OIDC configures the token exchange of publish-release.
type OIDC struct {
	Audience string `yaml:"audience"`
	// Issuer enables ID token verification when set.
	Issuer string `yaml:"issuer"`
}

// Archive configures tarball uploads. Uploads are disabled when Endpoint
// is empty.
type Archive struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	AccessKeyEnv string `yaml:"accessKeyEnv"`
	SecretKeyEnv string `yaml:"secretKeyEnv"`
	UseSSL       *bool  `yaml:"useSSL"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	tc := npm.DefaultToolchain()

	return Config{
		Toolchain: Toolchain{
			ScriptImage: tc.ScriptImage,
			NodeImage:   tc.NodeImage,
			Workdir:     tc.Workdir,
			Manifest:    tc.Manifest,
			Lockfile:    tc.Lockfile,
			Install:     tc.Install,
			Run:         tc.Run,
		},
		Registry: Registry{
			URL:    tc.Registry,
			Access: tc.Access,
		},
		OIDC: OIDC{
			Audience: oidctoken.DefaultAudience,
		},
		Archive: Archive{
			Region:       archive.DefaultRegion,
			AccessKeyEnv: "ARCHIVE_ACCESS_KEY",
			SecretKeyEnv: "ARCHIVE_SECRET_KEY",
		},
	}
}

// Load reads the file at path. A missing file yields [Default] when
// optional is true.
func Load(path string, optional bool) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}

		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes YAML from r, fills defaults and validates the result.
// Unknown fields are rejected.
func Parse(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var merr error

	if c.Registry.URL != "" {
		if _, err := npm.RegistryConfig(c.Registry.URL); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("registry.url: %w", err))
		}
	}
	if c.Registry.Access != "" && !slices.Contains(accessLevels, c.Registry.Access) {
		merr = multierror.Append(merr, fmt.Errorf("registry.access: %q is not one of %v", c.Registry.Access, accessLevels))
	}
	if c.OIDC.Issuer != "" {
		if u, err := url.Parse(c.OIDC.Issuer); err != nil || u.Scheme != "https" {
			merr = multierror.Append(merr, fmt.Errorf("oidc.issuer: %q must be an https url", c.OIDC.Issuer))
		}
	}
	if c.Archive.Enabled() && c.Archive.Bucket == "" {
		merr = multierror.Append(merr, errors.New("archive.bucket: required when archive.endpoint is set"))
	}
	if len(c.Toolchain.Install) == 1 {
		merr = multierror.Append(merr, errors.New("toolchain.install: expected a command and its arguments"))
	}

	if merr != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, merr)
	}

	return nil
}

// NPMToolchain returns the step toolchain described by c.
func (c Config) NPMToolchain() npm.Toolchain {
	return npm.Toolchain{
		ScriptImage: c.Toolchain.ScriptImage,
		NodeImage:   c.Toolchain.NodeImage,
		Workdir:     c.Toolchain.Workdir,
		Manifest:    c.Toolchain.Manifest,
		Lockfile:    c.Toolchain.Lockfile,
		Install:     slices.Clone(c.Toolchain.Install),
		Run:         slices.Clone(c.Toolchain.Run),
		Registry:    c.Registry.URL,
		Access:      c.Registry.Access,
	}.WithDefaults()
}

// Enabled reports whether tarballs are archived.
func (a Archive) Enabled() bool {
	return a.Endpoint != ""
}

// StoreConfig resolves the archive credentials with getenv.
func (a Archive) StoreConfig(getenv func(string) string) archive.Config {
	useSSL := true
	if a.UseSSL != nil {
		useSSL = *a.UseSSL
	}

	return archive.Config{
		Endpoint:  a.Endpoint,
		Bucket:    a.Bucket,
		Prefix:    a.Prefix,
		Region:    a.Region,
		AccessKey: envSecret(getenv, a.AccessKeyEnv),
		SecretKey: envSecret(getenv, a.SecretKeyEnv),
		UseSSL:    useSSL,
	}
}

func envSecret(getenv func(string) string, name string) *engine.Secret {
	if name == "" {
		return nil
	}

	return engine.NewSecret(name, getenv(name))
}
