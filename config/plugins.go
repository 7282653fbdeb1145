// Package config holds the patchbay configuration: the daemon options and
// the plugin configuration that says which plugins load into which title.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pboyd/patchbay/status"
)

const (
	// SectionAll lists plugins loaded into every title.
	SectionAll = "ALL"

	// SectionKernel lists plugins loaded into the privileged process.
	SectionKernel = "KERNEL"
)

// Section is a titled list of plugin paths.
type Section struct {
	Title string
	Paths []string
}

// Plugins is a parsed plugin configuration:
//
//	# comment
//	*KERNEL
//	/opt/patchbay/kernel.so
//	*ALL
//	/opt/patchbay/everywhere.so
//	*TITLE0001
//	/opt/patchbay/title.so
//
// A line starting with '*' opens a section, every other non-blank,
// non-comment line is a plugin path in the current section.
type Plugins struct {
	Sections []Section
}

// ParsePlugins reads a plugin configuration.
func ParsePlugins(r io.Reader) (*Plugins, error) {
	p := &Plugins{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		if title, ok := strings.CutPrefix(text, "*"); ok {
			title = strings.TrimSpace(title)
			if title == "" {
				return nil, fmt.Errorf("line %d: empty section name: %w", line, status.ErrInvalidArgs)
			}
			p.Sections = append(p.Sections, Section{Title: title})
			continue
		}

		if len(p.Sections) == 0 {
			return nil, fmt.Errorf("line %d: plugin %q outside of a section: %w", line, text, status.ErrInvalidArgs)
		}
		cur := &p.Sections[len(p.Sections)-1]
		cur.Paths = append(cur.Paths, text)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPlugins parses the plugin configuration file at path.
func LoadPlugins(path string) (*Plugins, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plugin config: %v: %w", err, status.ErrSystem)
	}
	defer f.Close()

	p, err := ParsePlugins(f)
	if err != nil {
		return nil, fmt.Errorf("plugin config %s: %w", path, err)
	}
	return p, nil
}

// ForEachPlugin calls fn with every plugin configured for title, in file
// order. Plugins under *ALL apply to every title except KERNEL. Iteration
// stops at the first error fn returns.
func (p *Plugins) ForEachPlugin(title string, fn func(path string) error) error {
	for _, sec := range p.Sections {
		if !sectionApplies(sec.Title, title) {
			continue
		}
		for _, path := range sec.Paths {
			if err := fn(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func sectionApplies(section, title string) bool {
	if section == title {
		return true
	}
	return section == SectionAll && title != SectionKernel
}

// Titles lists the distinct section titles in file order.
func (p *Plugins) Titles() []string {
	seen := map[string]bool{}
	var out []string
	for _, sec := range p.Sections {
		if !seen[sec.Title] {
			seen[sec.Title] = true
			out = append(out, sec.Title)
		}
	}
	return out
}
