// Package prompter provides consent-prompt collaborators.
package prompter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
	"github.com/gridlet-dev/gridlet-host/domain/ports"
)

// CliPrompter asks for permission grants on a terminal.
type CliPrompter struct {
	in  io.Reader
	out io.Writer
}

// NewCliPrompter creates a CliPrompter reading answers from in and writing
// the prompt to out.
func NewCliPrompter(in io.Reader, out io.Writer) *CliPrompter {
	return &CliPrompter{in: in, out: out}
}

// PromptPermissions implements ports.Prompter. The answer is a single
// boolean gate covering every listed permission.
func (p *CliPrompter) PromptPermissions(ctx context.Context, meta entities.ExtensionMeta, permissions []string) (bool, error) {
	_, _ = fmt.Fprintf(p.out, "%s (%s, v%s) requests the following permissions:\n", meta.Name, meta.Publisher, meta.Version)
	for _, name := range permissions {
		_, _ = fmt.Fprintf(p.out, "- %s\n", name)
	}
	_, _ = fmt.Fprintf(p.out, "Allow? [y/n]: ")

	answer := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(p.in)
		if scanner.Scan() {
			answer <- strings.ToLower(strings.TrimSpace(scanner.Text()))
			return
		}
		if err := scanner.Err(); err != nil {
			errc <- err
			return
		}
		errc <- io.EOF
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-errc:
		return false, err
	case text := <-answer:
		return text == "y" || text == "yes", nil
	}
}

// Static denies every prompt (or allows, when constructed with allow=true)
// without user interaction. Intended for headless hosts and tests.
type Static struct {
	allow bool
}

// NewStatic creates a Static prompter with a fixed answer.
func NewStatic(allow bool) *Static {
	return &Static{allow: allow}
}

// PromptPermissions implements ports.Prompter.
func (p *Static) PromptPermissions(context.Context, entities.ExtensionMeta, []string) (bool, error) {
	return p.allow, nil
}

var (
	_ ports.Prompter = (*CliPrompter)(nil)
	_ ports.Prompter = (*Static)(nil)
)
