// Package agentid derives a stable identifier for this device when none is
// configured. It prefers the Raspberry Pi hardware serial exposed by the
// kernel, falling back to a hash of the first non-loopback MAC address on
// hosts that are not a Pi.
package agentid

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
)

const cpuinfoPath = "/proc/cpuinfo"

// Derive returns a stable agent id, preferring the Pi serial and falling
// back to a MAC-address hash. It never returns an error: if both sources are
// unavailable (e.g. running inside a stripped container), it falls back to
// a fixed "agent-unknown" id rather than failing startup.
func Derive() string {
	if serial, ok := piSerial(); ok {
		return "pi-" + serial
	}
	if mac, ok := firstMAC(); ok {
		return "agent-" + macHash(mac)
	}
	return "agent-unknown"
}

// piSerial reads the hardware "Serial" line from /proc/cpuinfo, as exposed
// on Raspberry Pi and other Linux SBCs, strips its leading zeros and returns
// the last 8 characters of what remains. An all-zero serial counts as absent.
func piSerial(opts ...string) (string, bool) {
	path := cpuinfoPath
	if len(opts) > 0 {
		path = opts[0]
	}

	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(strings.ToLower(line), "serial") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		serial := strings.TrimSpace(parts[1])
		serial = strings.TrimLeft(serial, "0")
		if serial == "" {
			continue
		}
		if len(serial) > 8 {
			serial = serial[len(serial)-8:]
		}
		return serial, true
	}
	return "", false
}

// firstMAC returns the hardware address of the first interface that has
// one, skipping loopback and interfaces with no configured MAC.
func firstMAC() (net.HardwareAddr, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr, true
	}
	return nil, false
}

func macHash(mac net.HardwareAddr) string {
	sum := sha256.Sum256([]byte(mac.String()))
	return hex.EncodeToString(sum[:])[:8]
}

// Hostname returns the local host name, or "unknown-host" if it cannot be
// determined.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown-host"
	}
	return h
}

// Validate reports whether id looks like a non-empty, sane agent id. It is
// used to reject obviously malformed configured ids early.
func Validate(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("agentid: empty agent id")
	}
	return nil
}
