package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/alexmorozenko/leapp/internal/config"
)

// stdinPrompter reads a one time code from the terminal. An empty line or a
// closed stream counts as a dismissal.
type stdinPrompter struct {
	in  io.Reader
	out io.Writer
}

func (p *stdinPrompter) PromptForMFACode(sessionName string, callback func(code string)) {
	fmt.Fprintf(p.out, "MFA code for %s: ", sessionName)
	scanner := bufio.NewScanner(p.in)
	if !scanner.Scan() {
		callback(config.MFA_CONFIRM_CLOSED)
		return
	}
	code := strings.TrimSpace(scanner.Text())
	if code == "" {
		callback(config.MFA_CONFIRM_CLOSED)
		return
	}
	callback(code)
}
