// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build norfm

package coordinator

// RadioSupport reports whether the radio link is compiled in
const RadioSupport = false
