package compose

import (
	"fmt"
	"os"
	"strings"
)

// Alias is a shell function that runs a node's CLI inside its container.
type Alias struct {
	Name      string
	Container string
	User      string
	Command   []string
}

// RenderAliases produces a bash script with one function per alias. Extra
// arguments given to a function are forwarded to the CLI.
func RenderAliases(dockerCommand, manifestPath string, aliases []Alias) string {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n\n")
	for _, a := range aliases {
		fmt.Fprintf(&b, "%s() {\n    %s -f %s exec", a.Name, dockerCommand, manifestPath)
		if a.User != "" {
			fmt.Fprintf(&b, " --user %s", a.User)
		}
		fmt.Fprintf(&b, " %s %s \"$@\"\n}\n\n", a.Container, strings.Join(a.Command, " "))
	}
	return b.String()
}

// WriteAliases writes the rendered script to path as an executable file.
func WriteAliases(path, dockerCommand, manifestPath string, aliases []Alias) error {
	content := RenderAliases(dockerCommand, manifestPath, aliases)
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		return fmt.Errorf("failed to write aliases: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0755); err != nil {
		return fmt.Errorf("failed to make aliases executable: %w", err)
	}
	return nil
}
