package restore

import (
	"bytes"
	"os"
	"path/filepath"
)

// binarySniffLen is how far into a file we look for a NUL byte before
// deciding it is binary and must be left untouched.
const binarySniffLen = 8 * 1024

// rewritePaths walks every regular file under root and replaces literal
// occurrences of oldPath with newPath. A backup restored on a different
// machine carries absolute paths from its origin; this fixes them up in
// text files only.
func rewritePaths(root, oldPath, newPath string) error {
	if oldPath == "" || oldPath == newPath {
		return nil
	}
	old := []byte(oldPath)
	repl := []byte(newPath)
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		b, err := os.ReadFile(path) // #nosec G304 -- walking our own restored tree
		if err != nil {
			return err
		}
		if !bytes.Contains(b, old) || isBinary(b) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.WriteFile(path, bytes.ReplaceAll(b, old, repl), info.Mode().Perm())
	})
}

func isBinary(b []byte) bool {
	n := len(b)
	if n > binarySniffLen {
		n = binarySniffLen
	}
	return bytes.IndexByte(b[:n], 0) >= 0
}
