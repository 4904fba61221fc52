// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gitlab.com/tozd/go/errors"
)

var (
	errArchiveVerify = errors.Base("archive is missing files it should contain")
	errUnlink        = errors.Base("could not remove archived original")
)

// listFolderFiles returns the regular files under folder as paths relative
// to it, sorted, subdirectories included.
func listFolderFiles(folder string) ([]string, errors.E) {
	var files []string
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(folder, path)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	sort.Strings(files)
	return files, nil
}

// compactFolder appends every file under folder into archive, verifies the
// archive lists them all, and then removes the originals. The folder itself
// is removed once empty. An existing archive is extended, so compacting the
// same target twice is safe. Removal failures come back wrapped in errUnlink
// with the archive already written.
func compactFolder(ctx context.Context, arch Archiver, folder, archive string) errors.E {
	files, errE := listFolderFiles(folder)
	if errE != nil {
		return errE
	}
	if len(files) == 0 {
		// Nothing to archive; drop a stale empty folder if one is left.
		_ = os.Remove(folder)
		return nil
	}

	if errE := arch.Add(ctx, archive, folder, files); errE != nil {
		return errE
	}

	entries, errE := arch.List(ctx, archive)
	if errE != nil {
		return errE
	}
	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		present[filepath.FromSlash(entry.File)] = true
	}
	for _, file := range files {
		if !present[file] {
			return errors.WithDetails(errArchiveVerify, "archive", archive, "file", file)
		}
	}

	var unlinkErr errors.E
	for _, file := range files {
		if err := os.Remove(filepath.Join(folder, file)); err != nil && unlinkErr == nil {
			unlinkErr = errors.WithDetails(errUnlink, "file", file, "cause", err.Error())
		}
	}
	removeEmptyTree(folder)
	if unlinkErr != nil {
		return unlinkErr
	}
	return nil
}

// removeEmptyTree removes folder and any now-empty subdirectories, deepest
// first. Non-empty directories are left alone.
func removeEmptyTree(folder string) {
	var dirs []string
	_ = filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		_ = os.Remove(dir)
	}
}

// uncompactedFolders finds directories under root that still hold raw
// crawler output, paired with the archive each should end up in. With
// deep=false the direct children of root are candidates (page folders);
// with deep=true the children one level further down are (thread folders
// inside category folders).
func uncompactedFolders(root string, deep bool) []folderArchive {
	var targets []folderArchive
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		child := filepath.Join(root, entry.Name())
		if !deep {
			targets = append(targets, folderArchive{
				Folder:  child,
				Archive: child + sevenZipSuffix,
			})
			continue
		}
		subEntries, err := os.ReadDir(child)
		if err != nil {
			continue
		}
		for _, sub := range subEntries {
			if !sub.IsDir() || strings.HasSuffix(sub.Name(), sevenZipSuffix) {
				continue
			}
			folder := filepath.Join(child, sub.Name())
			targets = append(targets, folderArchive{
				Folder:  folder,
				Archive: folder + sevenZipSuffix,
			})
		}
	}
	return targets
}

const sevenZipSuffix = ".7z"

type folderArchive struct {
	Folder  string
	Archive string
}
