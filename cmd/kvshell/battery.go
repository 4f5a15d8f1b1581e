package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nyasuto/emberdb/internal/engine"
)

// runTestBattery runs a battery of end-to-end durability, shadowing,
// compaction, tombstone, and scan scenarios against a fresh
// subdirectory of baseDir, returning one message per failed scenario.
// An empty result means every scenario passed.
func runTestBattery(baseDir string) []string {
	var failures []string
	check := func(name string, ok bool, detail string) {
		if !ok {
			failures = append(failures, fmt.Sprintf("%s: %s", name, detail))
		}
	}

	scenarioDir := func(name string) string {
		return filepath.Join(baseDir, "battery-"+name)
	}

	// Durability: put, drop without close, reopen, verify.
	func() {
		dir := scenarioDir("durability")
		_ = os.RemoveAll(dir)
		e, err := engine.Open(dir, engine.DefaultConfig())
		if err != nil {
			check("durability", false, err.Error())
			return
		}
		if err := e.Put([]byte("User:100"), []byte("Alice")); err != nil {
			check("durability", false, err.Error())
			return
		}
		// e is deliberately left unclosed: nothing is flushed, so the
		// reopen below has to replay the WAL.

		e2, err := engine.Open(dir, engine.DefaultConfig())
		if err != nil {
			check("durability", false, err.Error())
			return
		}
		defer e2.Close()
		v, ok, err := e2.Get([]byte("User:100"))
		check("durability", err == nil && ok && string(v) == "Alice", fmt.Sprintf("got %q ok=%v err=%v", v, ok, err))
	}()

	// Shadowing across memtable and disk.
	func() {
		dir := scenarioDir("shadowing")
		_ = os.RemoveAll(dir)
		e, err := engine.Open(dir, engine.DefaultConfig())
		if err != nil {
			check("shadowing", false, err.Error())
			return
		}
		defer e.Close()

		if err := e.Put([]byte("k"), []byte("v1")); err != nil {
			check("shadowing", false, err.Error())
			return
		}
		if err := e.Flush(); err != nil {
			check("shadowing", false, err.Error())
			return
		}
		if err := e.Put([]byte("k"), []byte("v2")); err != nil {
			check("shadowing", false, err.Error())
			return
		}
		v, ok, err := e.Get([]byte("k"))
		check("shadowing", err == nil && ok && string(v) == "v2", fmt.Sprintf("got %q ok=%v err=%v", v, ok, err))
	}()

	// Compaction preserves the newest version.
	func() {
		dir := scenarioDir("compaction")
		_ = os.RemoveAll(dir)
		cfg := engine.DefaultConfig()
		cfg.Compaction.L0CompactionTrigger = 1
		e, err := engine.Open(dir, cfg)
		if err != nil {
			check("compaction", false, err.Error())
			return
		}
		defer e.Close()

		for _, v := range []string{"v1", "v2", "v3"} {
			if err := e.Put([]byte("k"), []byte(v)); err != nil {
				check("compaction", false, err.Error())
				return
			}
			if err := e.Flush(); err != nil {
				check("compaction", false, err.Error())
				return
			}
		}
		v, ok, err := e.Get([]byte("k"))
		check("compaction", err == nil && ok && string(v) == "v3", fmt.Sprintf("got %q ok=%v err=%v", v, ok, err))
	}()

	// Tombstone lifecycle.
	func() {
		dir := scenarioDir("tombstone")
		_ = os.RemoveAll(dir)
		e, err := engine.Open(dir, engine.DefaultConfig())
		if err != nil {
			check("tombstone", false, err.Error())
			return
		}
		defer e.Close()

		if err := e.Put([]byte("k"), []byte("v")); err != nil {
			check("tombstone", false, err.Error())
			return
		}
		if err := e.Flush(); err != nil {
			check("tombstone", false, err.Error())
			return
		}
		if err := e.Delete([]byte("k")); err != nil {
			check("tombstone", false, err.Error())
			return
		}
		if err := e.Flush(); err != nil {
			check("tombstone", false, err.Error())
			return
		}
		_, ok, err := e.Get([]byte("k"))
		check("tombstone", err == nil && !ok, fmt.Sprintf("ok=%v err=%v", ok, err))
	}()

	// Scan: insert a..d, flush, delete b, scan(a,c) == [a:1, c:3].
	func() {
		dir := scenarioDir("scan")
		_ = os.RemoveAll(dir)
		e, err := engine.Open(dir, engine.DefaultConfig())
		if err != nil {
			check("scan", false, err.Error())
			return
		}
		defer e.Close()

		pairs := [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}, {"d", "4"}}
		for _, p := range pairs {
			if err := e.Put([]byte(p[0]), []byte(p[1])); err != nil {
				check("scan", false, err.Error())
				return
			}
		}
		if err := e.Flush(); err != nil {
			check("scan", false, err.Error())
			return
		}
		if err := e.Delete([]byte("b")); err != nil {
			check("scan", false, err.Error())
			return
		}

		it, err := e.Scan([]byte("a"), []byte("c"))
		if err != nil {
			check("scan", false, err.Error())
			return
		}
		defer it.Close()

		var got [][2]string
		for it.Valid() {
			got = append(got, [2]string{string(it.Key()), string(it.Value())})
			it.Next()
		}
		want := [][2]string{{"a", "1"}, {"c", "3"}}
		ok := len(got) == len(want)
		if ok {
			for i := range want {
				if got[i] != want[i] {
					ok = false
					break
				}
			}
		}
		check("scan", ok, fmt.Sprintf("got %v want %v", got, want))
	}()

	return failures
}
