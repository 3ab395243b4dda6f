// fnvm-guest-init is the guest-side entry point the process VMM backend
// spawns in place of a real hypervisor boot: it dials back to the host,
// receives its ConfigurationPayload, brings up the guest environment, and
// serves RunCodePayloads over a command port of its own.
//
// Grounded on runtimes/aleph-alpine-3.13-python/init1.py's main(): connect
// to the host, read boot config, set up the OS and code, then loop
// accepting one command per connection until told to halt.
package main

import (
	"encoding/json"
	"log"
	"net"
	"os"

	"github.com/fnvmrun/fnvm/internal/codeloader"
	"github.com/fnvmrun/fnvm/internal/guestbridge"
	"github.com/fnvmrun/fnvm/internal/guestos"
	"github.com/fnvmrun/fnvm/internal/wire"
)

// workerConfig mirrors internal/vmm.workerConfig's JSON shape — the two
// can't share a type since one is a host-only implementation detail, but
// the wire format between them is exactly this.
type workerConfig struct {
	RootfsPath    string `json:"rootfs_path"`
	MemoryMB      int    `json:"memory_mb"`
	VCPUs         int    `json:"vcpus"`
	CallbackAddr  string `json:"callback_addr"`
	EnableNetwork bool   `json:"enable_network"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var wc workerConfig
	if err := json.Unmarshal([]byte(os.Getenv("FNVM_WORKER_CONFIG")), &wc); err != nil {
		log.Fatalf("fnvm-guest-init: parse FNVM_WORKER_CONFIG: %v", err)
	}

	conn, err := net.Dial("tcp", wc.CallbackAddr)
	if err != nil {
		log.Fatalf("fnvm-guest-init: dial host at %s: %v", wc.CallbackAddr, err)
	}
	defer conn.Close()

	var cfg wire.ConfigurationPayload
	if err := wire.ReadConfig(conn, &cfg); err != nil {
		log.Fatalf("fnvm-guest-init: read configuration payload: %v", err)
	}

	if err := guestos.Setup(cfg); err != nil {
		ack := wire.BootAck{Success: false, Error: "setup failed", Traceback: err.Error()}
		wire.WriteConfig(conn, ack)
		log.Fatalf("fnvm-guest-init: setup: %v", err)
	}

	loaded, err := codeloader.Load(cfg.Program)
	if err != nil {
		ack := wire.BootAck{Success: false, Error: "load code failed", Traceback: err.Error()}
		wire.WriteConfig(conn, ack)
		log.Fatalf("fnvm-guest-init: load code: %v", err)
	}

	bridge, err := guestbridge.New(cfg.Program, loaded)
	if err != nil {
		ack := wire.BootAck{Success: false, Error: "start bridge failed", Traceback: err.Error()}
		wire.WriteConfig(conn, ack)
		log.Fatalf("fnvm-guest-init: start bridge: %v", err)
	}
	defer bridge.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		ack := wire.BootAck{Success: false, Error: "listen for commands failed", Traceback: err.Error()}
		wire.WriteConfig(conn, ack)
		log.Fatalf("fnvm-guest-init: listen for commands: %v", err)
	}
	defer ln.Close()

	commandPort := ln.Addr().(*net.TCPAddr).Port
	if err := wire.WriteConfig(conn, wire.BootAck{Success: true, CommandPort: commandPort}); err != nil {
		log.Fatalf("fnvm-guest-init: write boot ack: %v", err)
	}
	log.Printf("fnvm-guest-init: ready, command port %d", commandPort)

	for {
		c, err := ln.Accept()
		if err != nil {
			log.Printf("fnvm-guest-init: accept: %v", err)
			continue
		}
		go bridge.Serve(c)
	}
}
