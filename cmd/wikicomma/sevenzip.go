// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

var errSevenZipNotFound = errors.Base("no 7-Zip binary on PATH")

// ArchiveEntry describes one member of an archive container.
type ArchiveEntry struct {
	File           string
	Attributes     string
	Size           int64
	SizeCompressed int64
	Hash           string
}

// Archiver packs a directory of small revision files into a single container
// per page or thread. Both operations are idempotent with respect to entries
// already present in the archive.
type Archiver interface {
	List(ctx context.Context, archive string) ([]ArchiveEntry, errors.E)
	Add(ctx context.Context, archive string, dir string, files []string) errors.E
}

// SevenZip shells out to the 7-Zip command line tool.
type SevenZip struct {
	bin string
}

// FindSevenZip locates a usable 7-Zip binary. Both the p7zip names and the
// official Linux build are accepted.
func FindSevenZip() (*SevenZip, errors.E) {
	for _, name := range []string{"7z", "7za", "7zz"} {
		if path, err := exec.LookPath(name); err == nil {
			return &SevenZip{bin: path}, nil
		}
	}
	return nil, errors.WithStack(errSevenZipNotFound)
}

// List returns the members of archive, parsed from the technical listing.
func (z *SevenZip) List(ctx context.Context, archive string) ([]ArchiveEntry, errors.E) {
	cmd := exec.CommandContext(ctx, z.bin, "l", "-slt", "--", archive)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.WithDetails(err, "archive", archive)
	}
	return parseSevenZipListing(string(out)), nil
}

// Add appends files (paths relative to dir) into archive, creating it when
// absent. Files already present are replaced, so re-adding is harmless.
func (z *SevenZip) Add(ctx context.Context, archive string, dir string, files []string) errors.E {
	if len(files) == 0 {
		return nil
	}
	args := append([]string{"a", "-y", "-bd", "--", archive}, files...)
	cmd := exec.CommandContext(ctx, z.bin, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.WithDetails(err, "archive", archive, "output", string(out))
	}
	return nil
}

// parseSevenZipListing extracts the per-entry blocks from "7z l -slt"
// output. Entries follow a dashed separator line and are blocks of
// "Key = Value" pairs split by blank lines; the archive's own properties
// before the separator are skipped.
func parseSevenZipListing(out string) []ArchiveEntry {
	var entries []ArchiveEntry
	var current *ArchiveEntry
	inEntries := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if !inEntries {
			if len(line) >= 5 && strings.Count(line, "-") == len(line) {
				inEntries = true
			}
			continue
		}
		if line == "" {
			if current != nil {
				entries = append(entries, *current)
				current = nil
			}
			continue
		}
		key, value, ok := strings.Cut(line, " = ")
		if !ok {
			continue
		}
		if current == nil {
			current = &ArchiveEntry{}
		}
		switch key {
		case "Path":
			current.File = value
		case "Size":
			current.Size, _ = strconv.ParseInt(value, 10, 64)
		case "Packed Size":
			current.SizeCompressed, _ = strconv.ParseInt(value, 10, 64)
		case "Attributes":
			current.Attributes = value
		case "CRC":
			current.Hash = value
		}
	}
	if current != nil {
		entries = append(entries, *current)
	}
	return entries
}
