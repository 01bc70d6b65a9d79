// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build !pid_d

package valve

// DerivativeEnabled reports whether the derivative term is compiled in.
// Build with -tags pid_d to enable it.
const DerivativeEnabled = false
