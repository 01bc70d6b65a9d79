// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logutil holds logrus helpers shared by the device packages.
package logutil

import (
	"io"

	"github.com/sirupsen/logrus"
)

// OrDiscard returns l, or a logger that drops everything when l is nil
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	d := logrus.New()
	d.Out = io.Discard
	return d
}

// New creates a text logger at the named level ("debug", "info", ...)
func New(out io.Writer, level string) (*logrus.Logger, error) {
	l := logrus.New()
	l.Out = out
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"}
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l.Level = lvl
	return l, nil
}
