package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a state path on a network mount, where neither
// SQLite's locking nor flock can be trusted.
var ErrNetworkFilesystem = errors.New("path is on a network filesystem")

var networkFilesystems = map[string]struct{}{
	"9p":     {},
	"afpfs":  {},
	"afs":    {},
	"ceph":   {},
	"cifs":   {},
	"nfs":    {},
	"smb2":   {},
	"smbfs":  {},
	"webdav": {},
}

// Mount describes the filesystem that holds (or will hold) a path.
type Mount struct {
	// Inspected is the nearest existing ancestor that was probed.
	Inspected string
	FSType    string
	Network   bool
}

// Probe reports the filesystem backing path. Missing path components are
// allowed; the nearest existing ancestor is inspected instead.
func Probe(path string) (Mount, error) {
	return probe(path, detectFilesystemType)
}

// CheckLocal returns an error wrapping ErrNetworkFilesystem when path is on
// a network mount.
func CheckLocal(path string) error {
	return checkLocal(path, detectFilesystemType)
}

func checkLocal(path string, detector func(string) (string, error)) error {
	m, err := probe(path, detector)
	if err != nil {
		return err
	}
	if m.Network {
		return fmt.Errorf("%w: %s is on %s; keep state.path on local disk", ErrNetworkFilesystem, path, m.FSType)
	}
	return nil
}

func probe(path string, detector func(string) (string, error)) (Mount, error) {
	if path == "" {
		return Mount{}, fmt.Errorf("path is empty")
	}
	inspect, err := nearestExistingPath(path)
	if err != nil {
		return Mount{}, fmt.Errorf("resolve %q: %w", path, err)
	}
	fsType, err := detector(inspect)
	if err != nil {
		return Mount{}, fmt.Errorf("detect filesystem for %q: %w", inspect, err)
	}
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	_, network := networkFilesystems[fsType]
	return Mount{Inspected: inspect, FSType: fsType, Network: network}, nil
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing ancestor")
		}
		candidate = parent
	}
}
