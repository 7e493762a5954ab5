// Package storage implements the rootfs pipeline described in spec §4.2:
// reflink-cloning a template into a per-VM image, injecting an SSH key,
// resizing, cloning a VM image back into a new template, and clearing
// authorized_keys before a snapshot ships. Grounded on the teacher's
// createVMRootfs (cp --reflink=auto, stat-before-copy, cleanup-on-error)
// generalized from one shared template to named templates.
package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/scalebox/scalebox/internal/apierr"
	"github.com/scalebox/scalebox/internal/vmmodel"
)

const freeSpaceBufferGiB = 2

// Service performs rootfs filesystem operations under dataDir.
type Service struct {
	dataDir string
}

// NewService creates a Service rooted at dataDir.
func NewService(dataDir string) *Service {
	return &Service{dataDir: dataDir}
}

// CheckAvailableSpace fails exhausted-storage when free bytes under
// dataDir are less than needGiB plus a 2 GiB buffer.
func (s *Service) CheckAvailableSpace(needGiB int) error {
	var st syscall.Statfs_t
	if err := syscall.Statfs(s.dataDir, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", s.dataDir, err)
	}
	freeBytes := st.Bavail * uint64(st.Bsize)
	needBytes := uint64(needGiB+freeSpaceBufferGiB) * (1 << 30)
	if freeBytes < needBytes {
		return apierr.New(apierr.ExhaustedStorage, fmt.Sprintf(
			"need %d GiB (+%d GiB buffer), only %d bytes free", needGiB, freeSpaceBufferGiB, freeBytes))
	}
	return nil
}

// CopyRootfs reflink-clones the named template's image into a new per-VM
// rootfs file.
func (s *Service) CopyRootfs(ctx context.Context, template, vmID string) (string, error) {
	templatePath := vmmodel.TemplatePath(s.dataDir, template)
	if _, err := os.Stat(templatePath); os.IsNotExist(err) {
		return "", apierr.New(apierr.NotFound, fmt.Sprintf("template %q not found", template))
	}

	dst := vmmodel.RootfsPath(s.dataDir, vmID)
	if err := reflinkCopy(ctx, templatePath, dst); err != nil {
		return "", fmt.Errorf("clone rootfs for %s: %w", vmID, err)
	}
	if err := os.Chmod(dst, 0644); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("chmod rootfs for %s: %w", vmID, err)
	}
	return dst, nil
}

// InjectSSHKey loop-mounts rootfsPath and writes publicKey to
// /home/user/.ssh/authorized_keys, mode 0600 owner user:user. Unmount
// failure is logged and ignored; the image is not in use at this point
// in the create pipeline.
func (s *Service) InjectSSHKey(ctx context.Context, rootfsPath, publicKey string) error {
	mountPoint, err := os.MkdirTemp("", "scalebox-mnt-")
	if err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	defer os.RemoveAll(mountPoint)

	if err := run(ctx, "mount", "-o", "loop", rootfsPath, mountPoint); err != nil {
		return fmt.Errorf("loop-mount %s: %w", rootfsPath, err)
	}
	defer unmountBestEffort(ctx, mountPoint)

	sshDir := mountPoint + "/home/user/.ssh"
	if err := os.MkdirAll(sshDir, 0700); err != nil {
		return fmt.Errorf("create %s: %w", sshDir, err)
	}
	keyPath := sshDir + "/authorized_keys"
	if err := os.WriteFile(keyPath, []byte(publicKey+"\n"), 0600); err != nil {
		return fmt.Errorf("write %s: %w", keyPath, err)
	}
	if err := run(ctx, "chown", "-R", "user:user", sshDir); err != nil {
		return fmt.Errorf("chown %s: %w", sshDir, err)
	}
	return nil
}

// ResizeRootfs truncates the sparse file to sizeGiB and grows the ext4
// filesystem, forcing an fsck first as resize2fs requires.
func (s *Service) ResizeRootfs(ctx context.Context, rootfsPath string, sizeGiB int) error {
	size := int64(sizeGiB) * (1 << 30)
	f, err := os.OpenFile(rootfsPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", rootfsPath, err)
	}
	err = f.Truncate(size)
	f.Close()
	if err != nil {
		return fmt.Errorf("truncate %s: %w", rootfsPath, err)
	}

	if err := run(ctx, "e2fsck", "-f", "-y", rootfsPath); err != nil {
		return fmt.Errorf("fsck %s before resize: %w", rootfsPath, err)
	}
	if err := run(ctx, "resize2fs", rootfsPath); err != nil {
		return fmt.Errorf("resize2fs %s: %w", rootfsPath, err)
	}
	return nil
}

// CopyRootfsToTemplate reflink-clones a VM's rootfs into a new template
// image, failing conflict if the target already exists and
// invalid-argument if name fails the filesystem-safe pattern.
func (s *Service) CopyRootfsToTemplate(ctx context.Context, rootfsPath, templateName string) (string, error) {
	if !vmmodel.TemplateNamePattern.MatchString(templateName) {
		return "", apierr.New(apierr.InvalidArgument, fmt.Sprintf("invalid template name %q", templateName))
	}

	dst := vmmodel.TemplatePath(s.dataDir, templateName)
	if _, err := os.Stat(dst); err == nil {
		return "", apierr.New(apierr.Conflict, fmt.Sprintf("template %q already exists", templateName))
	}

	if err := reflinkCopy(ctx, rootfsPath, dst); err != nil {
		return "", fmt.Errorf("clone %s to template %s: %w", rootfsPath, templateName, err)
	}
	if err := os.WriteFile(vmmodel.TemplateVersionPath(s.dataDir, templateName), []byte("1\n"), 0644); err != nil {
		return "", fmt.Errorf("write version file for %s: %w", templateName, err)
	}
	return dst, nil
}

// ClearAuthorizedKeys loop-mounts path and truncates both the user and
// root authorized_keys files to zero length. Either file being absent is
// not an error.
func (s *Service) ClearAuthorizedKeys(ctx context.Context, path string) error {
	mountPoint, err := os.MkdirTemp("", "scalebox-mnt-")
	if err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	defer os.RemoveAll(mountPoint)

	if err := run(ctx, "mount", "-o", "loop", path, mountPoint); err != nil {
		return fmt.Errorf("loop-mount %s: %w", path, err)
	}
	defer unmountBestEffort(ctx, mountPoint)

	for _, rel := range []string{"/home/user/.ssh/authorized_keys", "/root/.ssh/authorized_keys"} {
		p := mountPoint + rel
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := os.Truncate(p, 0); err != nil {
			return fmt.Errorf("truncate %s: %w", p, err)
		}
	}
	return nil
}

// DeleteRootfs best-effort unlinks path; absence is not an error.
func (s *Service) DeleteRootfs(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete rootfs %s: %w", path, err)
	}
	return nil
}

// ListTemplates returns every template under dataDir/templates, for the
// GET /templates endpoint's view rendering.
func (s *Service) ListTemplates() ([]vmmodel.Template, error) {
	dir := filepath.Join(s.dataDir, "templates")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list templates in %s: %w", dir, err)
	}

	var out []vmmodel.Template
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".ext4") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".ext4")
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, vmmodel.Template{
			Name:      name,
			Path:      filepath.Join(dir, e.Name()),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	return out, nil
}

func reflinkCopy(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, "cp", "--reflink=auto", src, dst)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(out))
	}
	return nil
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(out))
	}
	return nil
}

func unmountBestEffort(ctx context.Context, mountPoint string) {
	if err := run(ctx, "umount", mountPoint); err != nil {
		log.Printf("umount %s: %v", mountPoint, err)
	}
}
