package utils

import (
	"net"
	"strconv"

	"github.com/cockroachdb/errors"
)

// BusPortOffset is added to a node's main port to get its bus port.
const BusPortOffset = 10000

func BumpPort(addr string, delta int) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", errors.Wrapf(err, "invalid addr %q", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", errors.Wrapf(err, "invalid port %q", portStr)
	}

	newPort := port + delta
	if newPort < 0 || newPort > 0xFFFF {
		return "", errors.Newf("resulting port %d out of range", newPort)
	}

	return net.JoinHostPort(host, strconv.Itoa(newPort)), nil
}

func BusAddr(addr string) (string, error) {
	return BumpPort(addr, BusPortOffset)
}
