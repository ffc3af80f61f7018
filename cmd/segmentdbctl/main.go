// Command segmentdbctl is an interactive shell over pkg/store, exercising
// the engine end to end: open a data directory, then put/get/delete keys
// until exit.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Rishabh-malhotraa/segmentdb/pkg/store"
)

const banner = `segmentdbctl: embedded LSM key-value store shell
Type 'help' for commands, 'exit' to quit.
`

func main() {
	dir := flag.String("dir", "./segmentdb-data", "data directory")
	flag.Parse()

	s, err := store.Open(store.DefaultConfig(*dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "segmentdbctl: open %s: %v\n", *dir, err)
		os.Exit(1)
	}
	defer s.Close()

	fmt.Print(banner)
	if err := run(s, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "segmentdbctl: %v\n", err)
		os.Exit(1)
	}
}

func run(s *store.Store, in *os.File, out *os.File) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "segmentdb> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch done, err := execute(s, out, line); {
		case done:
			return nil
		case err != nil:
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

// execute runs one command line, returning done=true when the shell should
// exit.
func execute(s *store.Store, out *os.File, line string) (done bool, err error) {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])

	switch cmd {
	case "help", "?":
		printHelp(out)
	case "exit", "quit":
		return true, nil
	case "put":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: put <key> <value>")
		}
		value := strings.Join(fields[2:], " ")
		if err := s.Put([]byte(fields[1]), []byte(value)); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "ok")
	case "get":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: get <key>")
		}
		v, ok, err := s.Get([]byte(fields[1]))
		if err != nil {
			return false, err
		}
		if !ok {
			fmt.Fprintln(out, "(not found)")
		} else {
			fmt.Fprintln(out, string(v))
		}
	case "delete", "del":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: delete <key>")
		}
		if err := s.Delete([]byte(fields[1])); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "ok")
	default:
		return false, fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
	return false, nil
}

func printHelp(out *os.File) {
	fmt.Fprint(out, `commands:
  put <key> <value...>   write a key (value may contain spaces)
  get <key>               read a key
  delete <key>             delete a key
  help                     show this message
  exit                     quit
`)
}
