package cmd

import (
	"github.com/pkg/errors"

	"github.com/singlerr/xv6go/fs"
	"github.com/singlerr/xv6go/kernel"
)

// bootdisk boots the kernel over the configured disk image.
func bootdisk() (*kernel.Kernel_t, *fs.Filedisk_t, error) {
	disk, err := fs.OpenFiledisk(diskpath())
	if err != nil {
		return nil, nil, errors.Wrap(err, "run mkfs first?")
	}
	k, err := kernel.Boot(disk)
	if err != nil {
		disk.Close()
		return nil, nil, err
	}
	return k, disk, nil
}

// bootmem boots a scratch machine on an in-memory disk, for the memory
// commands that do not touch the image.
func bootmem() (*kernel.Kernel_t, error) {
	disk := fs.MkMemdisk()
	if err := fs.Mkfs(disk); err != nil {
		return nil, err
	}
	return kernel.Boot(disk)
}
