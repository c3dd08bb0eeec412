package module

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TrashEntry describes one module tree replaced by an update. The tree is
// kept until the next sweep because a live overlay may still reference it.
type TrashEntry struct {
	Token        string    `json:"token"`
	Module       string    `json:"module"`
	OriginalPath string    `json:"original_path"`
	TrashPath    string    `json:"trash_path"`
	PriorState   State     `json:"-"`
	State        string    `json:"state"`
	Created      time.Time `json:"created"`
}

var (
	payloadDirName  = "payload"
	manifestDirName = "manifest"
)

// divert moves path into trashDir and records a manifest.
func divert(trashDir, id, path string, prior State) (*TrashEntry, error) {
	if trashDir == "" {
		return nil, errors.New("trash dir required")
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	entry := &TrashEntry{
		Token:        token,
		Module:       id,
		OriginalPath: path,
		TrashPath:    filepath.Join(trashDir, payloadDirName, token),
		PriorState:   prior,
		State:        prior.String(),
		Created:      time.Now().UTC(),
	}

	if err := os.MkdirAll(filepath.Dir(entry.TrashPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.Rename(path, entry.TrashPath); err != nil {
		// Fallback to copy then remove.
		if err := copyPath(path, entry.TrashPath, info); err != nil {
			return nil, fmt.Errorf("divert (copy fallback): %w", err)
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("cleanup source: %w", err)
		}
	}

	if err := writeManifest(trashDir, entry); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return entry, nil
}

// restore moves a diverted tree back to where it came from.
func restore(trashDir string, e *TrashEntry) error {
	if exists(e.OriginalPath) {
		return fmt.Errorf("destination exists: %s", e.OriginalPath)
	}
	if err := os.Rename(e.TrashPath, e.OriginalPath); err != nil {
		return err
	}
	_ = os.Remove(filepath.Join(trashDir, manifestDirName, e.Token+".json"))
	return nil
}

// ListTrash returns diverted trees, oldest first.
func ListTrash(trashDir string) ([]TrashEntry, error) {
	manDir := filepath.Join(trashDir, manifestDirName)
	files, err := os.ReadDir(manDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []TrashEntry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		var e TrashEntry
		b, err := os.ReadFile(filepath.Join(manDir, f.Name()))
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Created.Before(entries[j].Created)
	})
	return entries, nil
}

// purgeTrash deletes every diverted tree, including payloads whose
// manifest was lost, and returns how many entries it removed.
func purgeTrash(trashDir string) (int, error) {
	entries, err := ListTrash(trashDir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		_ = os.Remove(filepath.Join(trashDir, manifestDirName, e.Token+".json"))
		if err := os.RemoveAll(e.TrashPath); err != nil {
			return removed, err
		}
		removed++
	}
	if err := os.RemoveAll(filepath.Join(trashDir, payloadDirName)); err != nil {
		return removed, err
	}
	return removed, nil
}

func writeManifest(trashDir string, e *TrashEntry) error {
	manDir := filepath.Join(trashDir, manifestDirName)
	if err := os.MkdirAll(manDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(manDir, e.Token+".json")
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o640)
}

func copyPath(src, dest string, info os.FileInfo) error {
	switch {
	case info.IsDir():
		if err := os.MkdirAll(dest, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, ent := range entries {
			childSrc := filepath.Join(src, ent.Name())
			childInfo, err := os.Lstat(childSrc)
			if err != nil {
				return err
			}
			if err := copyPath(childSrc, filepath.Join(dest, ent.Name()), childInfo); err != nil {
				return err
			}
		}
		return nil
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dest)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return nil
}
