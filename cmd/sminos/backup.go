package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/store"
)

// Archive layout: one top-level directory per section. db/ holds a single
// consistent snapshot of the SQLite database, config/ the active config
// file, pools/ the pool workspace trees.
const (
	sectionDB     = "db"
	sectionConfig = "config"
	sectionPools  = "pools"
)

func runBackup(args []string) error {
	var outputPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: sminos backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Online snapshot via VACUUM INTO; safe against a running gateway
	// because the store runs in WAL mode.
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tmpDir, err := os.MkdirTemp("", "sminos-backup-")
	if err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "snapshot.db")
	if err := db.BackupTo(snapshot); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}

	// Create output file
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	fileCount := 0

	if err := addFile(tw, snapshot, path.Join(sectionDB, filepath.Base(cfg.Store.Path))); err != nil {
		return fmt.Errorf("archive database: %w", err)
	}
	fileCount++
	slog.Info("backed up database", "path", cfg.Store.Path)

	confPath := config.Path()
	if _, err := os.Stat(confPath); err == nil {
		if err := addFile(tw, confPath, path.Join(sectionConfig, filepath.Base(confPath))); err != nil {
			return fmt.Errorf("archive config: %w", err)
		}
		fileCount++
		slog.Info("backed up config", "path", confPath)
	} else {
		slog.Warn("config file not found, skipping", "path", confPath)
	}

	if info, err := os.Stat(cfg.Pools.BasePath); err == nil && info.IsDir() {
		n, err := addTree(tw, cfg.Pools.BasePath, sectionPools)
		if err != nil {
			return fmt.Errorf("archive pools: %w", err)
		}
		fileCount += n
		slog.Info("backed up pool workspaces", "path", cfg.Pools.BasePath, "files", n)
	} else {
		slog.Warn("pools base path not found, skipping", "path", cfg.Pools.BasePath)
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Backup complete: %d files, %s\n", fileCount, formatSize(size))
	return nil
}

// addFile writes one regular file from disk into the archive under name.
func addFile(tw *tar.Writer, diskPath, name string) error {
	info, err := os.Stat(diskPath)
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(diskPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// addTree archives every regular file under root, prefixing entry names
// with prefix. Returns the number of files written.
func addTree(tw *tar.Writer, root, prefix string) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		name := path.Join(prefix, filepath.ToSlash(rel))

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}

		if !d.Type().IsRegular() {
			return nil
		}
		if err := addFile(tw, p, name); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: sminos restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	confPath := config.Path()

	// Pre-scan: verify the layout before touching anything
	entries, err := scanArchive(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}

	if !overwrite {
		for _, e := range entries {
			if e.dir {
				continue
			}
			dest := restoreDest(cfg, confPath, e.section, e.rel)
			if _, err := os.Stat(dest); err == nil {
				return fmt.Errorf("%s already exists, add -overwrite to replace it", dest)
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		section, rel := splitArchivePath(hdr.Name)
		dest := restoreDest(cfg, confPath, section, rel)

		if hdr.Typeflag == tar.TypeDir {
			// db/ and config/ map to single files; only the pool
			// tree carries directory structure.
			if section == sectionPools {
				if err := os.MkdirAll(dest, 0o755); err != nil {
					return fmt.Errorf("create dir %s: %w", dest, err)
				}
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", dest, err)
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode))
		if err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("write %s: %w", dest, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("close %s: %w", dest, err)
		}
		restored++
		slog.Info("restored", "path", dest)
	}

	fmt.Printf("Restore complete: %d files\n", restored)
	return nil
}

type archiveEntry struct {
	section string
	rel     string
	dir     bool
}

// scanArchive reads tar headers and verifies the backup layout without
// extracting file data: every entry must sit under a known section and the
// archive must hold exactly one database snapshot.
func scanArchive(path string) ([]archiveEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	var entries []archiveEntry
	dbFiles, confFiles := 0, 0

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		section, rel := splitArchivePath(hdr.Name)
		if section == "" {
			return nil, fmt.Errorf("unexpected entry %q", hdr.Name)
		}

		dir := hdr.Typeflag == tar.TypeDir
		if !dir {
			switch section {
			case sectionDB:
				dbFiles++
			case sectionConfig:
				confFiles++
			}
		}
		entries = append(entries, archiveEntry{section: section, rel: rel, dir: dir})
	}

	if dbFiles == 0 {
		return nil, fmt.Errorf("no database snapshot")
	}
	if dbFiles > 1 {
		return nil, fmt.Errorf("%d database snapshots, want one", dbFiles)
	}
	if confFiles > 1 {
		return nil, fmt.Errorf("%d config files, want one", confFiles)
	}

	return entries, nil
}

// splitArchivePath splits "pools/default/problems/p.lp" into ("pools",
// "default/problems/p.lp"). Returns an empty section for entries outside
// the backup layout or with unsafe paths.
func splitArchivePath(name string) (section, relPath string) {
	// Clean leading slashes/dots
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return "", ""
	}

	section = name[:idx]
	relPath = name[idx+1:]

	switch section {
	case sectionDB, sectionConfig, sectionPools:
	default:
		return "", ""
	}

	if relPath == "" {
		return section, "./"
	}
	for _, part := range strings.Split(relPath, "/") {
		if part == ".." {
			return "", ""
		}
	}

	return section, relPath
}

// restoreDest maps an archive entry to its on-disk target. The running
// config governs the layout, not the paths the archive was taken from.
func restoreDest(cfg *config.Config, confPath, section, rel string) string {
	switch section {
	case sectionDB:
		return cfg.Store.Path
	case sectionConfig:
		return confPath
	case sectionPools:
		return filepath.Join(cfg.Pools.BasePath, filepath.FromSlash(rel))
	}
	return ""
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
