package forensics

import (
	"fmt"
	"slices"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// shellQuote wraps s in single quotes when it contains shell metacharacters.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!&|;(){}[]<>*?~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// CommandNames parses cmd as POSIX shell and returns the name of every simple
// command it runs, in source order.
func CommandNames(cmd string) ([]string, error) {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangPOSIX)).Parse(strings.NewReader(cmd), "")
	if err != nil {
		return nil, err
	}
	var names []string
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok && len(call.Args) > 0 {
			names = append(names, call.Args[0].Lit())
		}
		return true
	})
	return names, nil
}

// ValidateScript checks that every command parses as POSIX shell.
func ValidateScript(commands []string) error {
	if len(commands) == 0 {
		return fmt.Errorf("empty command batch")
	}
	for i, c := range commands {
		if _, err := CommandNames(c); err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
	}
	return nil
}

// ValidateMountBracket checks that a batch mounts first and unmounts last.
func ValidateMountBracket(commands []string) error {
	if err := ValidateScript(commands); err != nil {
		return err
	}
	if len(commands) < 2 {
		return fmt.Errorf("batch of %d commands cannot mount and unmount", len(commands))
	}
	first, _ := CommandNames(commands[0])
	if !slices.Contains(first, "mount") {
		return fmt.Errorf("first command does not mount: %q", commands[0])
	}
	last, _ := CommandNames(commands[len(commands)-1])
	if !slices.Contains(last, "umount") {
		return fmt.Errorf("last command does not unmount: %q", commands[len(commands)-1])
	}
	return nil
}

// JoinScript renders a batch the way the run-shell-script document executes
// it: one script, one command per line.
func JoinScript(commands []string) string {
	return strings.Join(commands, "\n") + "\n"
}
