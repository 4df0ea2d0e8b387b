// Command swarmsh-recover is the operator-driven repair tool for the
// Corrupt error path (spec §7: "recovery is operator-driven (restore
// from archive)"). It inspects each table file and journal, backs up
// anything that fails to parse, and resets or repairs it in place.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

var (
	coordinationDir = flag.String("coordination-dir", "", "swarmsh coordination directory (or $COORDINATION_DIR)")
	dryRun          = flag.Bool("dry-run", false, "show what would be repaired without making changes")
	backupDir       = flag.String("backup-dir", "", "directory to back up corrupt files into (default: <coordination-dir>/recover-backup)")
)

var tableFiles = []string{"agents.json", "work_claims.json", "coordination_log.json"}
var journalFiles = []string{"telemetry_spans.jsonl", "fast_path_claims.jsonl"}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("swarmsh recovery tool")
	log.Println("=====================")

	dir := *coordinationDir
	if dir == "" {
		dir = os.Getenv("COORDINATION_DIR")
	}
	if dir == "" {
		log.Fatal("--coordination-dir or COORDINATION_DIR is required")
	}

	backup := *backupDir
	if backup == "" {
		backup = filepath.Join(dir, "recover-backup")
	}

	log.Printf("coordination dir: %s", dir)
	log.Printf("dry run: %v", *dryRun)

	var repaired int
	for _, name := range tableFiles {
		ok, err := inspectTable(dir, backup, name, *dryRun)
		if err != nil {
			log.Fatalf("inspecting %s: %v", name, err)
		}
		if !ok {
			repaired++
		}
	}
	for _, name := range journalFiles {
		ok, err := inspectJournal(dir, backup, name, *dryRun)
		if err != nil {
			log.Fatalf("inspecting %s: %v", name, err)
		}
		if !ok {
			repaired++
		}
	}

	if repaired == 0 {
		log.Println("✓ all table and journal files parsed cleanly, nothing to repair")
		return
	}
	if *dryRun {
		log.Printf("\ndry run complete: %d file(s) would be repaired. Run without --dry-run to repair.", repaired)
	} else {
		log.Printf("\n✓ repaired %d file(s); originals backed up under %s", repaired, backup)
	}
}

// inspectTable parses a JSON-array table file. If it fails to parse,
// it is backed up and reset to an empty array, matching pkg/storage's
// Corrupt contract: the kernel refuses further mutation on a corrupt
// table until an operator intervenes.
func inspectTable(dir, backup, name string, dryRun bool) (ok bool, err error) {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("✓ %s: not present, nothing to inspect", name)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		log.Printf("✓ %s: empty, OK", name)
		return true, nil
	}

	var probe []json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil {
		log.Printf("✓ %s: parses OK (%d records)", name, len(probe))
		return true, nil
	}

	log.Printf("✗ %s: failed to parse as a JSON array, needs repair", name)
	if dryRun {
		log.Printf("  [DRY RUN] would back up to %s and reset to an empty table", filepath.Join(backup, name))
		return false, nil
	}

	if err := backupFile(backup, name, data); err != nil {
		return false, fmt.Errorf("backing up %s: %w", name, err)
	}
	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		return false, fmt.Errorf("resetting %s: %w", name, err)
	}
	log.Printf("  repaired %s (backed up original, reset to empty table)", name)
	return false, nil
}

// inspectJournal drops a trailing malformed line from a
// newline-delimited journal, the same repair pkg/storage's journal
// applies automatically on its next append — this tool exists for the case an
// operator wants to repair a journal offline, or one an automatic
// repair couldn't recover because the corruption isn't confined to the
// last line.
func inspectJournal(dir, backup, name string, dryRun bool) (ok bool, err error) {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("✓ %s: not present, nothing to inspect", name)
		return true, nil
	}
	if err != nil {
		return false, err
	}

	var kept [][]byte
	var badLines int
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var probe json.RawMessage
		if err := json.Unmarshal(line, &probe); err != nil {
			badLines++
			continue
		}
		kept = append(kept, append([]byte(nil), line...))
	}

	if badLines == 0 {
		log.Printf("✓ %s: parses OK (%d records)", name, len(kept))
		return true, nil
	}

	log.Printf("✗ %s: %d malformed line(s), needs repair", name, badLines)
	if dryRun {
		log.Printf("  [DRY RUN] would back up to %s and rewrite keeping %d valid records", filepath.Join(backup, name), len(kept))
		return false, nil
	}

	if err := backupFile(backup, name, data); err != nil {
		return false, fmt.Errorf("backing up %s: %w", name, err)
	}

	var buf bytes.Buffer
	for _, line := range kept {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return false, fmt.Errorf("rewriting %s: %w", name, err)
	}
	log.Printf("  repaired %s (backed up original, dropped %d malformed line(s))", name, badLines)
	return false, nil
}

func backupFile(backupDir, name string, data []byte) error {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(backupDir, name), data, 0o600)
}
