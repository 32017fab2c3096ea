// Package dataset reads labeled datasets in svmlight or ARFF layout.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"yqhp/crossval/pkg/types"
)

// Format is the on-disk layout of a dataset.
type Format string

const (
	// FormatSVMLight rows are "<label> <feature>:<value> ...".
	FormatSVMLight Format = "svmlight"
	// FormatARFF files carry an @relation/@attribute header; the class is the last attribute.
	FormatARFF Format = "arff"
)

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatSVMLight, "svm_light", "":
		return FormatSVMLight, nil
	case FormatARFF:
		return FormatARFF, nil
	default:
		return "", fmt.Errorf("unknown dataset format %q", s)
	}
}

// Options control how rows are read.
type Options struct {
	Format Format
	// HasIDs means every data row starts with an example id token.
	HasIDs bool
}

// Example is one dataset row.
type Example struct {
	// LineNumber is the 1-based line in the source file.
	LineNumber int
	ID         string
	Label      string
	// Line is the row as written to shards, without the id token.
	Line string
}

// Dataset is a parsed dataset.
type Dataset struct {
	// Name is the base file name, used to derive side files and directory names.
	Name     string
	Path     string
	Format   Format
	Header   []string
	Examples []Example
}

// Load reads and parses a dataset file.
func Load(path string, opts Options) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.NewInputError(path, "cannot open dataset", err)
	}
	defer f.Close()

	ds, err := Parse(f, filepath.Base(path), opts)
	if err != nil {
		var re *types.RunError
		if errors.As(err, &re) {
			return nil, re.WithPath(path)
		}
		return nil, types.NewInputError(path, "cannot read dataset", err)
	}
	ds.Path = path
	return ds, nil
}

// Parse reads a dataset from r. Any row from which a label cannot be
// extracted fails the whole parse.
func Parse(r io.Reader, name string, opts Options) (*Dataset, error) {
	if opts.Format == "" {
		opts.Format = FormatSVMLight
	}
	ds := &Dataset{Name: name, Format: opts.Format}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	inData := opts.Format != FormatARFF
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimRight(scanner.Text(), "\r")

		if !inData {
			ds.Header = append(ds.Header, raw)
			if strings.EqualFold(strings.TrimSpace(raw), "@data") {
				inData = true
			}
			continue
		}
		if isSkippable(raw, opts.Format) {
			continue
		}

		ex, err := parseRow(raw, opts)
		if err != nil {
			return nil, types.NewInputError("", fmt.Sprintf("line %d: %v", lineNo, err), nil)
		}
		ex.LineNumber = lineNo
		if !opts.HasIDs {
			ex.ID = strconv.Itoa(len(ds.Examples))
		}
		ds.Examples = append(ds.Examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if opts.Format == FormatARFF && !inData {
		return nil, types.NewInputError("", "arff header has no @data section", nil)
	}
	if len(ds.Examples) == 0 {
		return nil, types.NewInputError("", "dataset has no examples", nil)
	}
	return ds, nil
}

func isSkippable(line string, format Format) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	if format == FormatARFF {
		return strings.HasPrefix(trimmed, "%")
	}
	return strings.HasPrefix(trimmed, "#")
}

func parseRow(line string, opts Options) (Example, error) {
	var ex Example
	rest := strings.TrimSpace(line)

	if opts.HasIDs {
		i := strings.IndexAny(rest, " \t")
		if i <= 0 || strings.TrimSpace(rest[i:]) == "" {
			return ex, fmt.Errorf("missing example id or row after id")
		}
		ex.ID = rest[:i]
		rest = strings.TrimSpace(rest[i:])
	}
	ex.Line = rest

	switch opts.Format {
	case FormatARFF:
		if strings.HasPrefix(rest, "{") {
			return ex, fmt.Errorf("sparse arff rows are not supported")
		}
		fields := strings.Split(rest, ",")
		label := strings.Trim(strings.TrimSpace(fields[len(fields)-1]), `'"`)
		if label == "" || label == "?" {
			return ex, fmt.Errorf("missing class value")
		}
		ex.Label = label
	default:
		label := strings.Fields(rest)[0]
		if strings.Contains(label, ":") {
			return ex, fmt.Errorf("row starts with feature %q instead of a class label", label)
		}
		ex.Label = label
	}
	return ex, nil
}

// Labels returns the distinct class labels in first-seen order.
func (d *Dataset) Labels() []string {
	var labels []string
	seen := make(map[string]bool)
	for _, ex := range d.Examples {
		if !seen[ex.Label] {
			seen[ex.Label] = true
			labels = append(labels, ex.Label)
		}
	}
	return labels
}

// ByLabel groups example indices by class label, keeping dataset order.
func (d *Dataset) ByLabel() map[string][]int {
	groups := make(map[string][]int)
	for i, ex := range d.Examples {
		groups[ex.Label] = append(groups[ex.Label], i)
	}
	return groups
}
