//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var binaries = []string{"gateway", "worker", "standalone", "taskctl"}

// Build compiles every binary into ./bin.
func Build() error {
	mg.Deps(goCheck, makeLocalBin)
	for _, binary := range binaries {
		fmt.Printf("Building %s...\n", binary)
		output := filepath.Join(LocalBin, binaryWithExt(binary))
		if err := sh.RunWith(map[string]string{"CGO_ENABLED": "0"}, "go", "build", "-o", output, "./cmd/"+binary); err != nil {
			return err
		}
	}
	return nil
}

// Clean removes build output and test reports.
func Clean() {
	fmt.Println("Cleaning...")
	for _, path := range []string{"bin", "test_reports", "data"} {
		os.RemoveAll(path)
	}
}

// StartDependencies starts the brokers and stores used by the non-default configurations.
func StartDependencies() error {
	mg.Deps(dockerCheck)
	for _, args := range dependencies {
		if err := dockerRun(append([]string{"run", "-d"}, args...)...); err != nil {
			return err
		}
	}
	return nil
}

// StopDependencies removes the containers started by StartDependencies.
func StopDependencies() error {
	names := make([]string, 0, len(dependencies))
	for _, args := range dependencies {
		names = append(names, args[0][len("--name="):])
	}
	return dockerRun(append([]string{"rm", "-f"}, names...)...)
}

var dependencies = [][]string{
	{"--name=redis", "-p=6379:6379", "redis:6.2.6"},
	{"--name=postgres", "-p=5432:5432", "-e", "POSTGRES_PASSWORD=psw", "postgres:14.2"},
	{"--name=pulsar", "-p=6650:6650", "apachepulsar/pulsar:2.10.0", "bin/pulsar", "standalone"},
	{"--name=nats", "-p=4222:4222", "nats:2.8.2", "-js"},
}
