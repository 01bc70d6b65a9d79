// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build nosecurity

package security

// Enabled reports whether the security layer is compiled in.
const Enabled = false
