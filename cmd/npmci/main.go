package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fixentropy-io/daggerverse/internal/cli"
)

const (
	cmdName = "npmci"

	shortDesc = "CI pipelines for npm packages."
	longDesc  = `npmci lints, tests, builds, versions, and publishes npm packages inside
containers run by a Dagger engine.

Each command is one pipeline entry point: pull-request validates a branch,
on-publish and publish release a package under an explicit or latest tag,
and publish-release does the same with a registry token exchanged from a
CI-issued OIDC ID token.
`
)

func main() {
	cmd := cli.NewRootCmd(cmdName, shortDesc, longDesc)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimLeft(err.Error(), "\n"))
		os.Exit(1)
	}
}
