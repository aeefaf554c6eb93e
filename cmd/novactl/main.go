// Command novactl is the debug/introspection CLI for the kernel core:
// it boots a frame table and mount table from a TOML manifest and lets
// an operator poke at the buddy allocator, the mount table, and a
// mounted filesystem's tree through cobra subcommands.
package main

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/novaos-project/novaos/bootcfg"
	"github.com/novaos-project/novaos/cpio"
	"github.com/novaos-project/novaos/kmetrics"
	"github.com/novaos-project/novaos/mem"
	"github.com/novaos-project/novaos/tmpfs"
	"github.com/novaos-project/novaos/ustr"
	"github.com/novaos-project/novaos/vfs"
)

var bootManifest string

func main() {
	root := &cobra.Command{
		Use:   "novactl",
		Short: "introspect and drive the novaos kernel core",
	}
	root.PersistentFlags().StringVar(&bootManifest, "boot", "", "path to the TOML boot manifest")

	root.AddCommand(pmmCmd(), mountCmd(), lsCmd(), catCmd(), mkfsCmd(), metricsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// kernel is the ephemeral runtime novactl boots fresh for each
// invocation: there is no long-lived daemon in this exercise, so every
// subcommand that touches PMM/VFS state re-derives it from the manifest.
type kernel struct {
	mem  *mem.Table
	mt   *vfs.MountTable
	root *vfs.Dentry
}

func boot() (*kernel, error) {
	if bootManifest == "" {
		return nil, errors.New("novactl: --boot <manifest.toml> is required")
	}
	cfg, err := bootcfg.Load(bootManifest)
	if err != nil {
		return nil, errors.Wrap(err, "novactl: boot")
	}

	m := mem.Init(cfg.MemRegions())
	mt := vfs.NewMountTable()

	if len(cfg.Mounts) == 0 {
		return nil, errors.New("novactl: manifest declares no mounts")
	}
	for i, ms := range cfg.Mounts {
		fs, err := resolveBackend(ms.Backend, m)
		if err != nil {
			return nil, errors.Wrapf(err, "novactl: mount %d", i)
		}
		if ms.Path == "/" || ms.Path == "" {
			if _, err := mt.Mount(nil, fs, ms.Device, ms.Options); err != nil {
				return nil, errors.Wrap(err, "novactl: mount root")
			}
			continue
		}
		mountpoint, err := vfs.Resolve(mt, mt.GlobalRoot(), mt.GlobalRoot(), ustr.Ustr(ms.Path),
			vfs.ResolveFlags{Expect: vfs.ExpectDir, Existence: vfs.MustExist})
		if err != nil {
			return nil, errors.Wrapf(err, "novactl: resolve mountpoint %q", ms.Path)
		}
		if _, err := mt.Mount(mountpoint, fs, ms.Device, ms.Options); err != nil {
			return nil, errors.Wrapf(err, "novactl: mount %q", ms.Path)
		}
	}

	return &kernel{mem: m, mt: mt, root: mt.GlobalRoot()}, nil
}

func resolveBackend(name string, m *mem.Table) (vfs.Filesystem, error) {
	switch name {
	case "tmpfs", "":
		return tmpfs.New(m), nil
	default:
		return nil, errors.Errorf("unknown filesystem backend %q", name)
	}
}

func pmmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pmm",
		Short: "dump the buddy allocator's freelists",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := boot()
			if err != nil {
				return err
			}
			fmt.Printf("frames total=%d free=%d allocated=%d reserved=%d\n",
				k.mem.NumFrames(), k.mem.FreeFrames(), k.mem.AllocatedFrames(), k.mem.ReservedFrames())
			for order, count := range k.mem.FreelistCounts() {
				if count > 0 {
					fmt.Printf("  order %2d: %d block(s)\n", order, count)
				}
			}
			return nil
		},
	}
}

func mountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mount",
		Short: "show the active mount table",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := boot()
			if err != nil {
				return err
			}
			for _, m := range k.mt.Mounts() {
				mp := "/"
				if m.Mountpoint != nil {
					mp = vfs.VfsGetcwd(m.Mountpoint, k.root)
				}
				fmt.Printf("%s  %s\n", m.ID, mp)
			}
			return nil
		},
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <path>",
		Short: "list a directory's entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := boot()
			if err != nil {
				return err
			}
			f, err := vfs.VfsOpenat(k.mt, k.root, k.root, ustr.Ustr(args[0]), vfs.OpenFlags{Read: true, Dir: true})
			if err != nil {
				return err
			}
			defer f.Close()
			buf := make([]byte, 4096)
			for {
				n, err := vfs.VfsListDir(f, buf)
				if n == 0 {
					break
				}
				printDirents(buf[:n])
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printDirents(buf []byte) {
	for len(buf) > 0 {
		reclen := int(buf[16]) | int(buf[17])<<8
		if reclen == 0 || reclen > len(buf) {
			return
		}
		name := strings.TrimRight(string(buf[19:reclen]), "\x00")
		fmt.Println(name)
		buf = buf[reclen:]
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "print a file's contents through the page cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := boot()
			if err != nil {
				return err
			}
			f, err := vfs.VfsOpenat(k.mt, k.root, k.root, ustr.Ustr(args[0]), vfs.OpenFlags{Read: true})
			if err != nil {
				return err
			}
			defer f.Close()
			buf := make([]byte, 4096)
			for {
				n, err := f.Read(buf)
				if n > 0 {
					os.Stdout.Write(buf[:n])
				}
				if err != nil || n == 0 {
					break
				}
			}
			return nil
		},
	}
}

func mkfsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkfs <src-path> <out.cpio>",
		Short: "serialize a mounted tree into a CPIO newc archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := boot()
			if err != nil {
				return err
			}
			start, err := vfs.Resolve(k.mt, k.root, k.root, ustr.Ustr(args[0]),
				vfs.ResolveFlags{Expect: vfs.ExpectDir, Existence: vfs.MustExist})
			if err != nil {
				return err
			}
			out, err := os.Create(args[1])
			if err != nil {
				return errors.Wrap(err, "novactl: mkfs")
			}
			defer out.Close()
			w := cpio.NewWriter(out)
			if err := archiveDir(w, start, ""); err != nil {
				return err
			}
			return w.Close()
		},
	}
}

func archiveDir(w *cpio.Writer, d *vfs.Dentry, prefix string) error {
	n := d.Inode()
	var walkErr error
	iterErr := n.Ops.IterateDir(n, func(e vfs.DirEntry) bool {
		child, err := vfs.LookupChild(d, ustr.Ustr(e.Name))
		if err != nil || child.IsNegative() {
			return true
		}
		entryPath := path.Join(prefix, e.Name)
		cn := child.Inode()
		switch cn.Type {
		case vfs.TypeDir:
			if err := w.WriteHeader(&cpio.Header{Mode: 040755, Name: entryPath}); err != nil {
				walkErr = err
				return false
			}
			if err := archiveDir(w, child, entryPath); err != nil {
				walkErr = err
				return false
			}
		case vfs.TypeFile:
			st := cn.StatOf()
			if err := w.WriteHeader(&cpio.Header{Mode: 0100644, FileSize: uint32(st.Size), Name: entryPath}); err != nil {
				walkErr = err
				return false
			}
			f, err := vfs.Open(child, vfs.OpenFlags{Read: true})
			if err != nil {
				walkErr = err
				return false
			}
			buf := make([]byte, 4096)
			for {
				n, rerr := f.Read(buf)
				if n > 0 {
					if _, werr := w.Write(buf[:n]); werr != nil {
						walkErr = werr
						f.Close()
						return false
					}
				}
				if rerr != nil || n == 0 {
					break
				}
			}
			f.Close()
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	return iterErr
}

func metricsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "serve the PMM/page-cache/VMA prometheus gauges",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Touch the manifest so the gauges reflect real state before
			// serving, if one was given; otherwise serve empty counters.
			if bootManifest != "" {
				if _, err := boot(); err != nil {
					return err
				}
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(kmetrics.Registry(), promhttp.HandlerOpts{}))
			fmt.Printf("serving metrics on %s/metrics\n", addr)
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "listen address")
	return cmd
}
