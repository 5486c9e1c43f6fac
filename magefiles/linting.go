//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const GOLANGCI_LINT_VERSION_CONSTRAINT = ">= 1.50.0"

// "golangci-lint has version 1.50.1 built from 8926a95f on 2022-10-22T10:50:47Z"
var golangciLintVersionCommand = versionCommand{
	binary: golangcilintBinary(),
	args:   []string{"--version"},
	field:  3,
}

func golangciLintCheck() error {
	return golangciLintVersionCommand.check(GOLANGCI_LINT_VERSION_CONSTRAINT)
}

// LintFix runs golangci-lint with --fix.
func LintFix() error {
	mg.Deps(golangciLintCheck)
	output, err := golangcilintOutput("run", "--fix", "--timeout", "10m")
	if err != nil {
		fmt.Printf("\nOutput: %s\n", output)
	}
	return err
}

// CheckLint runs golangci-lint.
func CheckLint() error {
	mg.Deps(golangciLintCheck)
	output, err := golangcilintOutput("run", "--timeout", "10m")
	if err != nil {
		fmt.Printf("\nOutput: %s\n", output)
	}
	return err
}

func golangcilintBinary() string {
	return binaryWithExt("golangci-lint")
}

func golangcilintOutput(args ...string) (string, error) {
	return sh.Output(golangcilintBinary(), args...)
}
