//go:build mage

package main

import (
	"strings"

	"github.com/magefile/mage/sh"
)

const DOCKER_VERSION_CONSTRAINT = ">= 19.0.0"

// "Docker version 24.0.5, build ced0996"
var dockerVersionCommand = versionCommand{
	binary: binaryWithExt("docker"),
	args:   []string{"--version"},
	field:  2,
	trim:   func(s string) string { return strings.TrimSuffix(s, ",") },
}

func dockerRun(args ...string) error {
	return sh.Run(binaryWithExt("docker"), args...)
}

func dockerCheck() error {
	return dockerVersionCommand.check(DOCKER_VERSION_CONSTRAINT)
}
