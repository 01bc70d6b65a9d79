// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Thermovalve - Radiator Valve Network Tools
//
// A CLI for running, simulating, monitoring and controlling a network of
// battery powered thermostatic radiator valves.

package main

import (
	"os"

	"github.com/Thermoquad/thermovalve/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
