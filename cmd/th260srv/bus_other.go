//go:build !linux

package main

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/tcspc/hal"
)

func hostBus(log *logrus.Logger) (hal.Bus, error) {
	return nil, errors.New("PCI access is only implemented on linux, set Mock: true")
}
