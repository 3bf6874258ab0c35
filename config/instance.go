package config

import (
	"log"
	"net"

	"spacedb/utils"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Instance identifies this node in the cluster. It is created once and
// persisted by the engine so a restarted node keeps its id.
type Instance struct {
	ID      string
	Host    string
	Port    string
	Addr    string
	BusAddr string
}

// NewInstance picks a fresh id and the first free port from cfg.Ports.
// The bus listens on the chosen port plus utils.BusPortOffset, so both
// have to be free.
func NewInstance(cfg NodeConfig) (*Instance, error) {
	host := cfg.Host
	if host == "" {
		ip, err := utils.GetLocalIp()
		if err != nil {
			return nil, errors.Wrap(err, "couldn't configure the node")
		}
		host = ip
	}

	for _, port := range cfg.Ports {
		addr := net.JoinHostPort(host, port)
		busAddr, err := utils.BusAddr(addr)
		if err != nil {
			return nil, err
		}
		if !portFree(addr) || !portFree(busAddr) {
			continue
		}

		inst := &Instance{
			ID:      uuid.New().String(),
			Host:    host,
			Port:    port,
			Addr:    addr,
			BusAddr: busAddr,
		}
		log.Printf("[INFO] New instance %s on %s (bus: %s)", inst.ID, inst.Addr, inst.BusAddr)
		return inst, nil
	}
	return nil, errors.Newf("no available ports found from list: %v", cfg.Ports)
}

// Refresh moves a loaded instance to the current host address, keeping its
// id and port.
func (i *Instance) Refresh(host string) error {
	if host == "" || host == i.Host {
		return nil
	}
	addr := net.JoinHostPort(host, i.Port)
	busAddr, err := utils.BusAddr(addr)
	if err != nil {
		return err
	}
	log.Printf("[INFO] Updating host of %s from %s to %s", i.ID, i.Host, host)
	i.Host, i.Addr, i.BusAddr = host, addr, busAddr
	return nil
}

func portFree(addr string) bool {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	lis.Close()
	return true
}
