//go:build !linux

package main

import "fmt"

type installCmd struct{}

func (c *installCmd) Run() error { return fmt.Errorf("install is only supported on Linux (systemd)") }

type uninstallCmd struct{}

func (c *uninstallCmd) Run() error { return fmt.Errorf("uninstall is only supported on Linux (systemd)") }
