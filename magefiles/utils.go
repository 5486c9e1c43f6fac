//go:build mage

package main

import (
	"fmt"
	"runtime"
	"strings"

	semver "github.com/Masterminds/semver/v3"
	"github.com/magefile/mage/sh"
	"github.com/pkg/errors"
)

func binaryWithExt(name string) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf("%s.exe", name)
	}
	return name
}

// versionCommand describes how to read a tool's version: run binary with args and parse the field-th
// whitespace-separated word of the output after trim.
type versionCommand struct {
	binary string
	args   []string
	field  int
	trim   func(string) string
}

func (c versionCommand) version() (*semver.Version, error) {
	output, err := sh.Output(c.binary, c.args...)
	if err != nil {
		return nil, errors.Errorf("error running version cmd: %v", err)
	}
	fields := strings.Fields(output)
	if len(fields) <= c.field {
		return nil, errors.Errorf("unexpected version cmd output: %s", output)
	}
	word := fields[c.field]
	if c.trim != nil {
		word = c.trim(word)
	}
	version, err := semver.NewVersion(word)
	if err != nil {
		return nil, errors.Errorf("error parsing version: %v", err)
	}
	return version, nil
}

func (c versionCommand) check(constraint string) error {
	version, err := c.version()
	if err != nil {
		return errors.Errorf("error getting version: %v", err)
	}
	return checkVersion(version, constraint)
}

func checkVersion(version *semver.Version, constraint string) error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Errorf("error parsing constraint: %v", err)
	}
	if !c.Check(version) {
		return errors.Errorf("found version %v but it failed constraint %v", version, c)
	}
	return nil
}
