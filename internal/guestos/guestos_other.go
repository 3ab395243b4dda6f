//go:build !linux

package guestos

import (
	"fmt"

	"github.com/fnvmrun/fnvm/internal/wire"
)

// Setup is only meaningful inside a Linux guest; the guest-init binary is
// always built for linux/amd64 or linux/arm64, so this stub only exists
// to keep the package buildable for host-side tooling on other platforms.
func Setup(cfg wire.ConfigurationPayload) error {
	return fmt.Errorf("guestos: Setup is only supported on linux")
}
