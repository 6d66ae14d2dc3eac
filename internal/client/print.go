package client

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"tunnelrpc/internal/constants"
)

const (
	ColorReset  = constants.ColorReset
	ColorBold   = constants.ColorBold
	ColorDim    = constants.ColorDim
	ColorCyan   = constants.ColorCyan
	ColorGreen  = constants.ColorGreen
	ColorYellow = constants.ColorYellow
	ColorRed    = constants.ColorRed
	ColorPurple = constants.ColorPurple
)

// Printer writes the client's terminal output. It is safe for concurrent use.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *Printer) Banner() {
	p.Printf("\n  %s%s%s%s %sv%s%s\n", ColorBold, ColorCyan, constants.AppName, ColorReset, ColorBold, constants.Version, ColorReset)
	p.Printf("  %sSOCKS over RPC tunnel client%s\n\n", ColorDim, ColorReset)
}

func (p *Printer) Hint(text string) {
	p.Printf("  %s%s%s\n", ColorDim, text, ColorReset)
}

func (p *Printer) Step(text string) {
	p.Printf("  %s%s▸%s %s\n", ColorBold, ColorCyan, ColorReset, text)
}

func (p *Printer) Field(label, value, valueColor string) {
	p.Printf("  %s%-12s%s %s%s%s\n", ColorDim, label, ColorReset, valueColor, value, ColorReset)
}

func (p *Printer) Sep() {
	p.Printf("  %s%s%s\n", ColorDim, strings.Repeat("─", 50), ColorReset)
}

func (p *Printer) Error(err error) {
	p.Printf("\n  %s%s%s\n\n", ColorRed, err.Error(), ColorReset)
}

func (p *Printer) Raw(s string) {
	p.Printf("%s", s)
}
