// Package diagnostics formats scenario file errors and prints them in a
// consistent way.
package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/hartex-rtos/hartex/config"
)

// A single diagnostic.
type Diagnostic struct {
	// Line in the file, if known. YAML syntax and type errors have one,
	// validation errors have a field path instead.
	Line int
	Path string
	Msg  string
}

// All diagnostics of one scenario file.
type FileDiagnostic struct {
	File        string
	Diagnostics []Diagnostic
}

// CreateDiagnostics reads the underlying errors in the error object and creates
// a set of diagnostics that's sorted and can be readily printed.
func CreateDiagnostics(file string, err error) FileDiagnostic {
	diag := FileDiagnostic{File: file}
	if err == nil {
		return diag
	}
	diag.Diagnostics = createDiagnostics(err)

	// Line numbered diagnostics first, in file order, then field paths.
	sort.SliceStable(diag.Diagnostics, func(i, j int) bool {
		a, b := diag.Diagnostics[i], diag.Diagnostics[j]
		if (a.Line == 0) != (b.Line == 0) {
			return a.Line != 0
		}
		return a.Line < b.Line
	})
	return diag
}

// Extract diagnostics from the given error message and return them as a slice
// of errors (which in many cases will just be a single diagnostic).
func createDiagnostics(err error) []Diagnostic {
	var errs config.Errors
	var one config.Error
	var typeErr *yaml.TypeError
	switch {
	case errors.As(err, &errs):
		var diags []Diagnostic
		for _, e := range errs {
			diags = append(diags, Diagnostic{Path: e.Path, Msg: e.Msg})
		}
		return diags
	case errors.As(err, &one):
		return []Diagnostic{{Path: one.Path, Msg: one.Msg}}
	case errors.As(err, &typeErr):
		var diags []Diagnostic
		for _, msg := range typeErr.Errors {
			diags = append(diags, lineDiagnostic(msg))
		}
		return diags
	default:
		return []Diagnostic{lineDiagnostic(strings.TrimPrefix(err.Error(), "yaml: "))}
	}
}

// lineDiagnostic splits a "line N: msg" message as produced by the YAML
// decoder.
func lineDiagnostic(msg string) Diagnostic {
	if rest, ok := strings.CutPrefix(msg, "line "); ok {
		if num, text, ok := strings.Cut(rest, ": "); ok {
			if n, err := strconv.Atoi(num); err == nil {
				return Diagnostic{Line: n, Msg: text}
			}
		}
	}
	return Diagnostic{Msg: msg}
}

// Len returns the number of diagnostics.
func (fileDiag FileDiagnostic) Len() int {
	return len(fileDiag.Diagnostics)
}

// Write file diagnostics to the given writer with 'wd' as the relative
// working directory.
func (fileDiag FileDiagnostic) WriteTo(w io.Writer, wd string) {
	file := RelativePath(fileDiag.File, wd)
	if len(fileDiag.Diagnostics) != 0 {
		fmt.Fprintln(w, "#", file)
	}
	for _, diag := range fileDiag.Diagnostics {
		diag.WriteTo(w, file)
	}
}

// Write this diagnostic to the given writer.
func (diag Diagnostic) WriteTo(w io.Writer, file string) {
	switch {
	case diag.Line != 0:
		fmt.Fprintf(w, "%s:%d: %s\n", file, diag.Line, diag.Msg)
	case diag.Path != "":
		fmt.Fprintf(w, "%s: %s: %s\n", file, diag.Path, diag.Msg)
	default:
		fmt.Fprintf(w, "%s: %s\n", file, diag.Msg)
	}
}

// Convert path into a path relative to wd if possible.
func RelativePath(path, wd string) string {
	// Check whether we even have a working directory.
	if wd == "" || !filepath.IsAbs(path) {
		return path
	}

	// Make the path relative, for easier reading. Ignore any errors in the
	// process (falling back to the absolute path).
	relpath, err := filepath.Rel(wd, path)
	if err == nil {
		return relpath
	}
	return path
}
