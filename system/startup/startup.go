package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/thatsimonsguy/relay-controller/internal/env"
)

// WriteStartupScript emits a boot script that configures the RS-485 serial
// port before the controller starts. stty flags mirror the configured line
// settings; 8 data bits and 1 stop bit are fixed by the RYN4 protocol.
func WriteStartupScript() error {
	cfg := env.Cfg

	var lines []string
	lines = append(lines, "#!/bin/bash", "", "# RS-485 serial line configuration at boot", "")

	stty := []string{
		fmt.Sprintf("stty -F %s %d", cfg.Serial.Device, cfg.Serial.BaudRate),
		"cs8", "-cstopb", "raw", "-echo",
	}
	switch cfg.Serial.Parity {
	case "even":
		stty = append(stty, "parenb", "-parodd")
	case "odd":
		stty = append(stty, "parenb", "parodd")
	default:
		stty = append(stty, "-parenb")
	}

	lines = append(lines, fmt.Sprintf("# %s", cfg.Serial.Device))
	lines = append(lines, strings.Join(stty, " "))
	lines = append(lines, "")

	contents := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(cfg.BootScriptFilePath, []byte(contents), 0755)
}

func InstallStartupService() error {
	unitContents := fmt.Sprintf(`[Unit]
Description=Configure RS-485 serial port at boot
After=network.target

[Service]
Type=oneshot
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
RemainAfterExit=true

[Install]
WantedBy=multi-user.target
`, env.Cfg.BootScriptFilePath)

	return os.WriteFile(env.Cfg.OSServicePath, []byte(unitContents), 0644)
}

func RunStartupScript() error {
	cmd := exec.Command("/bin/bash", env.Cfg.BootScriptFilePath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func InstallControllerService() error {
	serialUnitName := filepath.Base(env.Cfg.OSServicePath)

	unit := fmt.Sprintf(`[Unit]
Description=Relay Controller main service
After=%s
Requires=%s

[Service]
Type=simple
User=%s
WorkingDirectory=%s
Environment=PATH=/usr/local/go/bin:/usr/local/bin:/usr/bin:/bin
ExecStart=/bin/bash -lc 'go run ./cmd/relay-controller/main.go'
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, serialUnitName, serialUnitName, env.Cfg.ServiceUser, env.Cfg.ServiceWorkDir)

	return os.WriteFile(env.Cfg.MainServicePath, []byte(unit), 0644)
}
