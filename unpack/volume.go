package unpack

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	partVolume = regexp.MustCompile(`(?i)^(.*)\.part(\d+)\.rar$`)
	oldVolume  = regexp.MustCompile(`(?i)^(.*)\.r(\d{2,3})$`)
)

// IsArchive reports whether name has one of the extracted extensions.
func IsArchive(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip", ".rar":
		return true
	}
	return false
}

// IsContinuation reports whether name is a second or later volume of a
// multi-volume rar set. Continuation volumes are extracted together with the
// first volume and never on their own.
func IsContinuation(name string) bool {
	base := filepath.Base(name)
	if m := partVolume.FindStringSubmatch(base); m != nil {
		n, _ := strconv.Atoi(m[2])
		return n > 1
	}
	return oldVolume.MatchString(base)
}

// IsFirstVolume reports whether name starts a multi-volume set by its name
// alone: name.part1.rar, name.part01.rar and so on.
func IsFirstVolume(name string) bool {
	if m := partVolume.FindStringSubmatch(filepath.Base(name)); m != nil {
		n, _ := strconv.Atoi(m[2])
		return n == 1
	}
	return false
}

// SetKey returns the name shared by every volume of the set name belongs
// to, or "" if name is not part of a rar set.
func SetKey(name string) string {
	base := filepath.Base(name)
	if m := partVolume.FindStringSubmatch(base); m != nil {
		return strings.ToLower(m[1])
	}
	if m := oldVolume.FindStringSubmatch(base); m != nil {
		return strings.ToLower(m[1])
	}
	if strings.EqualFold(filepath.Ext(base), ".rar") {
		return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	}
	return ""
}

// Volumes lists the files of the rar set that archive starts, in order,
// including archive itself. A single-volume archive yields one entry.
func Volumes(archive string) ([]string, error) {
	dir := filepath.Dir(archive)
	key := SetKey(archive)
	if key == "" {
		return []string{archive}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type vol struct {
		path string
		n    int
	}
	var vols []vol
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if SetKey(name) != key {
			continue
		}
		switch m := partVolume.FindStringSubmatch(name); {
		case m != nil:
			n, _ := strconv.Atoi(m[2])
			vols = append(vols, vol{filepath.Join(dir, name), n})
		case oldVolume.MatchString(name):
			n, _ := strconv.Atoi(oldVolume.FindStringSubmatch(name)[2])
			// name.rar comes first, then .r00, .r01, ...
			vols = append(vols, vol{filepath.Join(dir, name), n + 1})
		case strings.EqualFold(filepath.Ext(name), ".rar"):
			vols = append(vols, vol{filepath.Join(dir, name), 0})
		}
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].n < vols[j].n })

	out := make([]string, 0, len(vols))
	for _, v := range vols {
		out = append(out, v.path)
	}
	if len(out) == 0 {
		out = append(out, archive)
	}
	return out, nil
}
