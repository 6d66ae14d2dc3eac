package client

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"

	"tunnelrpc/internal/config"
	"tunnelrpc/internal/rpc"
	"tunnelrpc/internal/utils"
)

// RunConfigWizard asks for each client setting, offering the current value as
// the default, and returns the result. When save is answered with yes the
// settings are written to envPath.
func RunConfigWizard(in io.Reader, p *Printer, cfg config.Client, envPath string) (config.Client, error) {
	reader := bufio.NewReader(in)
	eof := false
	ask := func(label, current string) string {
		if current != "" {
			p.Printf("  %s%s [%s]:%s ", ColorBold, label, current, ColorReset)
		} else {
			p.Printf("  %s%s:%s ", ColorBold, label, ColorReset)
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			eof = true
		}
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
		return current
	}

	p.Step("Server")
	cfg.ServerURL = ask("URL", cfg.ServerURL)
	for {
		t := strings.ToLower(ask("Transport ("+strings.Join(rpc.Transports, "/")+")", cfg.Transport))
		if slices.Contains(rpc.Transports, t) {
			cfg.Transport = t
			break
		}
		if eof {
			return cfg, fmt.Errorf("unknown transport %q", t)
		}
		p.Hint(ColorYellow + "unknown transport " + t + ColorReset)
	}
	if cfg.Transport == rpc.TransportMux {
		cfg.MuxAddr = ask("Mux address (empty = over websocket)", cfg.MuxAddr)
	}
	p.Raw("\n")

	p.Step("Credentials")
	cfg.Username = ask("Username", cfg.Username)
	cfg.Password = ask("Password", cfg.Password)
	p.Raw("\n")

	p.Step("Local SOCKS listener")
	for {
		addr, err := utils.ParseListenAddr(ask("Listen", cfg.ListenAddr))
		if err == nil {
			cfg.ListenAddr = addr
			break
		}
		if eof {
			return cfg, err
		}
		p.Hint(ColorYellow + err.Error() + ColorReset)
	}
	p.Raw("\n")

	if envPath != "" && strings.HasPrefix(strings.ToLower(ask("Save to "+envPath+"? (y/N)", "")), "y") {
		if err := config.SaveClient(envPath, cfg); err != nil {
			return cfg, err
		}
		p.Hint("-> saved " + envPath)
	}
	return cfg, nil
}
