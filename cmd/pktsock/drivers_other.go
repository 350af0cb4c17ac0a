//go:build !linux

package main

import "github.com/romshark/pktsock/socket"

func driverFor(name string, c *confView) (socket.Driver, error) {
	return commonDriver(name, c)
}
