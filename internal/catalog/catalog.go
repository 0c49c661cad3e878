// Package catalog loads the benchmark catalog and turns a benchmark selector
// into the ordered list of jobs for one dispatch run.
//
// A catalog groups trace files into categories (one category per benchmark
// program) and names predefined sets of categories:
//
//	trace_dir: /data/champsim/traces/
//	categories:
//	  - name: 600.perlbench_s
//	    traces:
//	      - 600.perlbench_s-210B.champsimtrace.xz
//	sets:
//	  SPEC_2017: [600.perlbench_s]
//
// Category order in the file is preserved and determines job submission order.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AllSelector selects every category in the catalog.
const AllSelector = "SPEC_ALL"

// ErrNoMatch is returned when a selector matches no category.
var ErrNoMatch = errors.New("no benchmarks match selector")

// Category is one benchmark program and its trace files.
type Category struct {
	Name   string   `yaml:"name"`
	Traces []string `yaml:"traces"`
}

// Catalog is the parsed benchmark catalog.
type Catalog struct {
	TraceDir   string              `yaml:"trace_dir"`
	Categories []Category          `yaml:"categories"`
	Sets       map[string][]string `yaml:"sets"`
}

// Job is one trace to simulate. Jobs are created once per run and never
// modified.
type Job struct {
	Category string
	Trace    string
	// TracePath is the trace's path on the remote hosts.
	TracePath string
}

// ID identifies the job in logs.
func (j Job) ID() string {
	return j.Category + "/" + j.Trace
}

// ShortName is the trace's canonical result file stem: the second
// dot-separated field of the trace file name, e.g.
// "600.perlbench_s-210B.champsimtrace.xz" becomes "perlbench_s-210B".
// Names without a dot are returned unchanged.
func (j Job) ShortName() string {
	parts := strings.Split(j.Trace, ".")
	if len(parts) < 2 || parts[1] == "" {
		return j.Trace
	}
	return parts[1]
}

// Stem is the trace file name without its final extension,
// e.g. "436.cactusADM-1804B.champsimtrace".
func (j Job) Stem() string {
	base := path.Base(j.Trace)
	if ext := path.Ext(base); ext != "" && ext != base {
		return strings.TrimSuffix(base, ext)
	}
	return base
}

// Load reads and validates the catalog at filename.
func Load(filename string) (*Catalog, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", filename, err)
	}
	return c, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Categories) == 0 {
		return fmt.Errorf("catalog has no categories")
	}
	seen := make(map[string]bool, len(c.Categories))
	for i, cat := range c.Categories {
		if cat.Name == "" {
			return fmt.Errorf("category #%d has no name", i+1)
		}
		if seen[cat.Name] {
			return fmt.Errorf("category %s listed more than once", cat.Name)
		}
		seen[cat.Name] = true
		if err := cat.validateTraces(); err != nil {
			return err
		}
	}
	if _, ok := c.Sets[AllSelector]; ok {
		return fmt.Errorf("set name %s is reserved", AllSelector)
	}
	return nil
}

// validateTraces rejects traces whose result files would overwrite each
// other: the same trace listed twice, or two traces with the same short name
// or stem.
func (cat Category) validateTraces() error {
	traces := make(map[string]bool, len(cat.Traces))
	shorts := make(map[string]string, len(cat.Traces))
	stems := make(map[string]string, len(cat.Traces))
	for _, trace := range cat.Traces {
		if trace == "" {
			return fmt.Errorf("category %s has an empty trace name", cat.Name)
		}
		if traces[trace] {
			return fmt.Errorf("category %s lists trace %s more than once", cat.Name, trace)
		}
		traces[trace] = true

		j := Job{Category: cat.Name, Trace: trace}
		if other, ok := shorts[j.ShortName()]; ok {
			return fmt.Errorf("category %s: traces %s and %s share the result name %s", cat.Name, other, trace, j.ShortName())
		}
		shorts[j.ShortName()] = trace
		if other, ok := stems[j.Stem()]; ok {
			return fmt.Errorf("category %s: traces %s and %s share the output name %s", cat.Name, other, trace, j.Stem())
		}
		stems[j.Stem()] = trace
	}
	return nil
}

// CategoryNames lists the catalog's categories in file order.
func (c *Catalog) CategoryNames() []string {
	names := make([]string, len(c.Categories))
	for i, cat := range c.Categories {
		names[i] = cat.Name
	}
	return names
}

// SetNames lists the predefined set names, sorted.
func (c *Catalog) SetNames() []string {
	names := make([]string, 0, len(c.Sets))
	for name := range c.Sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select resolves a benchmark selector into categories:
//   - AllSelector selects every category;
//   - a set name selects the set's categories in set order, skipping names
//     the catalog does not define;
//   - anything else selects every category whose name contains the selector.
func (c *Catalog) Select(selector string) ([]Category, error) {
	if selector == "" {
		return nil, fmt.Errorf("benchmark selector is empty")
	}

	byName := make(map[string]Category, len(c.Categories))
	for _, cat := range c.Categories {
		byName[cat.Name] = cat
	}

	var selected []Category
	switch members, isSet := c.Sets[selector]; {
	case selector == AllSelector:
		selected = append(selected, c.Categories...)
	case isSet:
		for _, name := range members {
			if cat, ok := byName[name]; ok {
				selected = append(selected, cat)
			}
		}
	default:
		for _, cat := range c.Categories {
			if strings.Contains(cat.Name, selector) {
				selected = append(selected, cat)
			}
		}
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: %q (available: %s; keywords: %s)",
			ErrNoMatch, selector, strings.Join(c.CategoryNames(), ", "),
			strings.Join(append([]string{AllSelector}, c.SetNames()...), ", "))
	}
	return selected, nil
}

// Jobs expands categories into one job per trace, preserving order.
func (c *Catalog) Jobs(categories []Category) []Job {
	var jobs []Job
	for _, cat := range categories {
		for _, trace := range cat.Traces {
			jobs = append(jobs, Job{
				Category:  cat.Name,
				Trace:     trace,
				TracePath: path.Join(c.TraceDir, trace),
			})
		}
	}
	return jobs
}
