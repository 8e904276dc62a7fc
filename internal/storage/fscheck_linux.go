//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// statfs f_type magics, see statfs(2). Compared as uint32 because the field
// is signed and 32 bits wide on some architectures.
var linuxMagics = map[uint32]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
	0x01021997: "9p",
	0x00C36400: "ceph",
	0x5346414F: "afs",
}

func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs: %w", err)
	}
	magic := uint32(stat.Type)
	if name, ok := linuxMagics[magic]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", magic), nil
}
