// Copyright 2026 The Probe Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/probetable/probe"
	"go.uber.org/zap"
)

var errQuit = errors.New("quit")

type command struct {
	name  string
	args  string
	arity int
	help  string
	run   func(s *shell, args []string) error
}

// commands is populated in init because help refers back to it.
var commands []command

func init() {
	commands = []command{
		{"set", "key value", 2, "insert or overwrite key, printing the previous value", (*shell).set},
		{"get", "key", 1, "print the value stored for key", (*shell).get},
		{"incr", "key", 1, "add one to the integer stored for key", (*shell).incr},
		{"del", "key", 1, "remove key, printing its value", (*shell).del},
		{"len", "", 0, "print the number of entries", (*shell).len},
		{"stats", "", 0, "print the slot accounting of the table", (*shell).stats},
		{"help", "", 0, "print this help", (*shell).help},
		{"quit", "", 0, "exit", func(*shell, []string) error { return errQuit }},
	}
}

func lookupCommand(name string) (*command, bool) {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i], true
		}
	}
	return nil, false
}

// shell executes text commands against a Table[string, string].
type shell struct {
	table  *probe.Table[string, string]
	out    io.Writer
	logger *zap.Logger
}

func newShell(out io.Writer, logger *zap.Logger) *shell {
	return &shell{
		table:  probe.New[string, string](probe.WithLogger[string, string](logger)),
		out:    out,
		logger: logger,
	}
}

// exec runs a single command line. It returns errQuit when the line asks the
// shell to exit.
func (s *shell) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	if name == "exit" {
		name = "quit"
	}
	cmd, ok := lookupCommand(name)
	if !ok {
		return fmt.Errorf("unknown command '%s'", fields[0])
	}
	args := fields[1:]
	if len(args) != cmd.arity {
		return fmt.Errorf("wrong number of arguments for '%s' command", cmd.name)
	}
	return cmd.run(s, args)
}

// runBatch executes every line read from r, printing errors inline. It is
// used when stdin is not a terminal.
func (s *shell) runBatch(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := s.exec(scanner.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			s.printError(err)
		}
	}
	return scanner.Err()
}

func (s *shell) printError(err error) {
	fmt.Fprintf(s.out, "(error) %v\n", err)
}

func (s *shell) set(args []string) error {
	old, replaced := s.table.Insert(args[0], args[1])
	if !replaced {
		fmt.Fprintln(s.out, "(nil)")
		return nil
	}
	fmt.Fprintf(s.out, "%q\n", old)
	return nil
}

func (s *shell) get(args []string) error {
	v, ok := s.table.Get(args[0])
	if !ok {
		fmt.Fprintln(s.out, "(nil)")
		return nil
	}
	fmt.Fprintf(s.out, "%q\n", v)
	return nil
}

func (s *shell) incr(args []string) error {
	p := s.table.GetMut(args[0])
	if p == nil {
		s.table.Insert(args[0], "1")
		fmt.Fprintln(s.out, "(integer) 1")
		return nil
	}
	n, err := strconv.ParseInt(*p, 10, 64)
	if err != nil {
		return fmt.Errorf("value is not an integer: %w", err)
	}
	n++
	*p = strconv.FormatInt(n, 10)
	fmt.Fprintf(s.out, "(integer) %d\n", n)
	return nil
}

func (s *shell) del(args []string) error {
	v, ok := s.table.Remove(args[0])
	if !ok {
		fmt.Fprintln(s.out, "(nil)")
		return nil
	}
	fmt.Fprintf(s.out, "%q\n", v)
	return nil
}

func (s *shell) len(args []string) error {
	fmt.Fprintf(s.out, "(integer) %d\n", s.table.Len())
	return nil
}

func (s *shell) stats(args []string) error {
	fmt.Fprintln(s.out, s.table.Stats())
	return nil
}

func (s *shell) help(args []string) error {
	for _, c := range commands {
		usage := c.name
		if c.args != "" {
			usage += " " + c.args
		}
		fmt.Fprintf(s.out, "  %-16s %s\n", usage, c.help)
	}
	return nil
}
