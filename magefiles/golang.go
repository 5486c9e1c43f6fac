//go:build mage

package main

import "strings"

const GO_VERSION_CONSTRAINT = ">= 1.18.0"

// "go version go1.18.10 linux/amd64"
var goVersionCommand = versionCommand{
	binary: "go",
	args:   []string{"version"},
	field:  2,
	trim:   func(s string) string { return strings.TrimPrefix(s, "go") },
}

func goCheck() error {
	return goVersionCommand.check(GO_VERSION_CONSTRAINT)
}
