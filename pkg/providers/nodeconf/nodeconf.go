// Package nodeconf reads and writes the INI style configuration files the
// node daemons load at startup (bitcoin.conf, lnd.conf, the Core Lightning
// config and eclair.conf).
package nodeconf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// Global is the section holding keys that appear before any header.
const Global = ""

func init() {
	// Daemons such as lightningd reject "key = value".
	ini.PrettyFormat = false
}

// File is one configuration file.
type File struct {
	cfg *ini.File
}

// New creates an empty file.
func New() *File {
	return &File{cfg: ini.Empty(loadOptions())}
}

// Load reads an existing file.
func Load(path string) (*File, error) {
	cfg, err := ini.LoadSources(loadOptions(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return &File{cfg: cfg}, nil
}

func loadOptions() ini.LoadOptions {
	return ini.LoadOptions{
		IgnoreInlineComment:      true,
		AllowShadows:             true,
		SpaceBeforeInlineComment: true,
	}
}

func sectionName(section string) string {
	if section == Global {
		return ini.DefaultSection
	}
	return section
}

// Set assigns key in section, creating the section when needed.
func (f *File) Set(section, key, value string) {
	f.cfg.Section(sectionName(section)).Key(key).SetValue(value)
}

// SetAll assigns every key of values in section.
func (f *File) SetAll(section string, values map[string]string) {
	for key, value := range values {
		f.Set(section, key, value)
	}
}

// Get returns the value of key in section, or "" when it is missing.
// Surrounding double quotes are removed.
func (f *File) Get(section, key string) string {
	sec, err := f.cfg.GetSection(sectionName(section))
	if err != nil {
		return ""
	}
	if !sec.HasKey(key) {
		return ""
	}
	return strings.Trim(sec.Key(key).String(), `"`)
}

// Has reports whether section exists.
func (f *File) Has(section string) bool {
	_, err := f.cfg.GetSection(sectionName(section))
	return err == nil
}

// Save writes the file, creating its directory.
func (f *File) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := f.cfg.SaveTo(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Volume returns a "host:container:rw" bind mount whose host side is
// relative to the directory of the manifest, so the same manifest works
// after the manifest and data directory are uploaded to a remote host.
func Volume(manifestPath, hostDir, containerDir string) string {
	var host string
	if rel, err := filepath.Rel(filepath.Dir(absOrSelf(manifestPath)), absOrSelf(hostDir)); err == nil && !strings.HasPrefix(rel, "..") {
		host = "./" + filepath.ToSlash(rel)
	} else {
		host = absOrSelf(hostDir)
	}
	return fmt.Sprintf("%s:%s:rw", host, containerDir)
}

func absOrSelf(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// NodeDir is the host directory of a node's data, <dataDir>/<name>.
func NodeDir(dataDir, name string) string {
	return filepath.Join(dataDir, name)
}
