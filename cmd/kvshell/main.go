// Command kvshell is the interactive and single-shot command-line
// front end for the embeddable key-value store: a set of spf13/cobra
// subcommands plus an interactive SET/GET/DELETE/SCAN/exit line loop
// over a plain bufio.Scanner.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nyasuto/emberdb/internal/engine"
)

var dataDir string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kvshell",
		Short: "Embedded LSM key-value store shell",
	}
	root.PersistentFlags().StringVar(&dataDir, "dir", "data", "database directory (WAL, SSTables, and manifest live here)")

	root.AddCommand(newShellCmd())
	root.AddCommand(newTestCmd())
	root.AddCommand(newGetCmd())
	root.AddCommand(newSetCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newScanCmd())
	return root
}

func openEngine() (*engine.Engine, error) {
	return engine.Open(dataDir, engine.DefaultConfig())
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value for key, or \"not found\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			value, ok, err := e.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("not found")
				return nil
			}
			fmt.Println(string(value))
			return nil
		},
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store key/value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.Put([]byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key>",
		Aliases: []string{"del"},
		Short:   "Delete key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.Delete([]byte(args[0])); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <start> <end>",
		Short: "Print every key/value in [start, end]",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return runScan(e, args[0], args[1])
		},
	}
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run an interactive SET/GET/DELETE/SCAN session",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return runShell(e, os.Stdin, os.Stdout)
		},
	}
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run the end-to-end scenario battery and exit non-zero on failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			failures := runTestBattery(dataDir)
			for _, f := range failures {
				fmt.Fprintln(os.Stderr, "FAIL:", f)
			}
			if len(failures) > 0 {
				return fmt.Errorf("%d scenario(s) failed", len(failures))
			}
			fmt.Println("ok")
			return nil
		},
	}
}

// runShell implements the interactive command table: SET key value,
// GET key, DELETE key, SCAN start end, exit.
func runShell(e *engine.Engine, in *os.File, out *os.File) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "kvshell> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := strings.ToUpper(fields[0])

		switch cmd {
		case "EXIT":
			return nil
		case "SET":
			if len(fields) != 3 {
				fmt.Fprintln(out, "usage: SET key value")
				continue
			}
			if err := e.Put([]byte(fields[1]), []byte(fields[2])); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "ok")
		case "GET":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: GET key")
				continue
			}
			value, ok, err := e.Get([]byte(fields[1]))
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			if !ok {
				fmt.Fprintln(out, "not found")
				continue
			}
			fmt.Fprintln(out, string(value))
		case "DELETE":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: DELETE key")
				continue
			}
			if err := e.Delete([]byte(fields[1])); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "ok")
		case "SCAN":
			if len(fields) != 3 {
				fmt.Fprintln(out, "usage: SCAN start end")
				continue
			}
			if err := runScan(e, fields[1], fields[2]); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		default:
			fmt.Fprintf(out, "unknown command %q\n", fields[0])
		}
	}
}

func runScan(e *engine.Engine, start, end string) error {
	it, err := e.Scan([]byte(start), []byte(end))
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Valid() {
		fmt.Printf("%s=%s\n", it.Key(), it.Value())
		it.Next()
	}
	return nil
}
