//go:build linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/tcspc/hal"
	"github.com/nasa-jpl/tcspc/hal/linux"
)

func hostBus(log *logrus.Logger) (hal.Bus, error) {
	return &linux.Bus{Log: log}, nil
}
