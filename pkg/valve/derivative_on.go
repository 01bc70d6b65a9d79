// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build pid_d

package valve

// DerivativeEnabled reports whether the derivative term is compiled in.
const DerivativeEnabled = true
