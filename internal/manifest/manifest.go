// Package manifest reads and rewrites NuGet package declarations in MSBuild
// project files and packages.config documents.
//
// Rewrites are minimal: only the bytes belonging to a changed, added or
// removed declaration are touched, so comments, whitespace, attribute
// quoting and line endings survive a round trip.
package manifest

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/git-pkgs/pkgref/internal/core"
)

// ErrReordered is returned by Serialize when the surviving references are
// not in the same relative order as in the document.
var ErrReordered = errors.New("manifest: references reordered")

// Format identifies the manifest dialect.
type Format int

const (
	FormatMSBuild Format = iota
	FormatPackagesConfig
)

func (f Format) String() string {
	switch f {
	case FormatPackagesConfig:
		return "packages.config"
	default:
		return "msbuild"
	}
}

// Supported reports whether path names a manifest this package understands.
func Supported(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if base == "packages.config" {
		return true
	}
	switch filepath.Ext(base) {
	case ".csproj", ".fsproj", ".vbproj", ".props", ".targets":
		return true
	}
	return false
}

// Detect returns the dialect of a manifest document.
func Detect(text []byte) (Format, error) {
	doc, err := scan(text)
	if err != nil {
		return 0, err
	}
	return doc.format, nil
}

// Parse returns the package references declared in text, in file order.
// Malformed declarations are skipped, and for duplicate names only the first
// declaration is returned.
func Parse(text []byte) ([]core.PackageReference, error) {
	doc, err := scan(text)
	if err != nil {
		return nil, err
	}
	return doc.refs(), nil
}

// Serialize rewrites original so that it declares exactly refs. References
// already present keep their position; new ones are appended after the last
// declaration. Serialize(Parse(t), t) returns t unchanged.
func Serialize(refs []core.PackageReference, original []byte) ([]byte, error) {
	doc, err := scan(original)
	if err != nil {
		return nil, err
	}
	return doc.rewrite(refs)
}

type edit struct {
	span
	text string
}

func (d *document) rewrite(refs []core.PackageReference) ([]byte, error) {
	for i, r := range refs {
		if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Version) == "" {
			return nil, fmt.Errorf("reference %d: %w", i, core.ErrInvalidReference)
		}
		if core.IndexOf(refs[:i], r.Name) >= 0 {
			return nil, &core.DuplicateError{Name: r.Name, Existing: refs[core.IndexOf(refs[:i], r.Name)]}
		}
	}

	var (
		edits []edit
		added []core.PackageReference
		kept  = make([]bool, len(d.entries))
		prev  = -1
	)

	for _, r := range refs {
		i := d.find(r.Name)
		if i < 0 {
			added = append(added, r)
			continue
		}
		if len(added) > 0 || i < prev {
			return nil, fmt.Errorf("%s: %w", r.Name, ErrReordered)
		}
		prev = i
		kept[i] = true

		e := d.entries[i]
		if r.Version != e.ref.Version {
			edits = append(edits, edit{e.version, escape(r.Version)})
		}
		if r.Name != e.ref.Name {
			edits = append(edits, edit{e.name, escape(r.Name)})
		}
	}

	// Shadowed duplicates follow the fate of the first declaration.
	for i, e := range d.entries {
		if e.shadowed {
			kept[i] = kept[d.find(e.ref.Name)]
		}
	}

	anchor := -1
	for i := range d.entries {
		if kept[i] {
			anchor = i
		}
	}

	nl := d.newline()
	for i, e := range d.entries {
		if kept[i] {
			continue
		}
		cut, whole := d.cut(e.outer)
		repl := ""
		// With nothing left to anchor on, new entries take the place of the
		// last removed declaration.
		if len(added) > 0 && anchor < 0 && i == len(d.entries)-1 {
			for j, r := range added {
				el := d.element(i, r)
				switch {
				case whole:
					repl += d.indentOf(e.outer.start) + el + nl
				case j > 0:
					repl += " " + el
				default:
					repl += el
				}
			}
			added = nil
		}
		edits = append(edits, edit{cut, repl})
	}

	if len(added) > 0 {
		if anchor >= 0 {
			a := d.entries[anchor]
			indent := d.indentOf(a.outer.start)
			var b strings.Builder
			for _, r := range added {
				b.WriteString(nl + indent + d.element(anchor, r))
			}
			edits = append(edits, edit{span{a.outer.end, a.outer.end}, b.String()})
		} else {
			edits = append(edits, d.insertGroup(added))
		}
	}

	return d.apply(edits)
}

// find returns the index of the first declaration of name, or -1.
func (d *document) find(name string) int {
	for i, e := range d.entries {
		if !e.shadowed && e.ref.Matches(name) {
			return i
		}
	}
	return -1
}

func (d *document) apply(edits []edit) ([]byte, error) {
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].start != edits[j].start {
			return edits[i].start < edits[j].start
		}
		return edits[i].end < edits[j].end
	})

	var buf bytes.Buffer
	buf.Grow(len(d.text))
	pos := 0
	for _, e := range edits {
		if e.start < pos {
			return nil, fmt.Errorf("manifest: overlapping edits at offset %d", e.start)
		}
		buf.Write(d.text[pos:e.start])
		buf.WriteString(e.text)
		pos = e.end
	}
	buf.Write(d.text[pos:])
	return buf.Bytes(), nil
}

// element renders a new declaration styled after the entry at index like,
// or with defaults when like is negative.
func (d *document) element(like int, r core.PackageReference) string {
	name, version := escape(r.Name), escape(r.Version)

	quote := byte('"')
	closer := " />"
	extra := ""
	tag := "PackageReference"
	if d.format == FormatPackagesConfig {
		tag = "package"
	} else if bytes.Contains(d.text, []byte("ManagePackageVersionsCentrally")) && !bytes.Contains(d.text, []byte("<PackageReference")) {
		tag = "PackageVersion"
	}

	if like >= 0 {
		e := d.entries[like]
		tag = e.element
		if e.quote != 0 {
			quote = e.quote
		}
		raw := d.text[e.outer.start:e.outer.end]
		if bytes.HasSuffix(raw, []byte("/>")) && !bytes.HasSuffix(raw, []byte(" />")) {
			closer = "/>"
		}
		extra = e.extra
	}

	q := string(quote)
	if d.format == FormatPackagesConfig {
		s := "<" + tag + " id=" + q + name + q + " version=" + q + version + q
		if extra != "" {
			s += " targetFramework=" + q + extra + q
		}
		return s + closer
	}
	return "<" + tag + " Include=" + q + name + q + " Version=" + q + version + q + closer
}

// insertGroup places new declarations in a document that has none, wrapping
// them in an ItemGroup for MSBuild projects.
func (d *document) insertGroup(refs []core.PackageReference) edit {
	nl := d.newline()
	unit := d.indentUnit()

	block := func(base string) string {
		var b strings.Builder
		child := base + unit
		if d.format == FormatPackagesConfig {
			for _, r := range refs {
				b.WriteString(child + d.element(-1, r) + nl)
			}
			return b.String()
		}
		b.WriteString(child + "<ItemGroup>" + nl)
		for _, r := range refs {
			b.WriteString(child + unit + d.element(-1, r) + nl)
		}
		b.WriteString(child + "</ItemGroup>" + nl)
		return b.String()
	}

	if d.rootSelfClosing {
		tag := d.rootStartTag
		cut := tag.end - len("/>")
		for cut > tag.start && isSpace(d.text[cut-1]) {
			cut--
		}
		return edit{span{cut, tag.end}, ">" + nl + block("") + "</" + d.rootName + ">"}
	}

	c := d.rootCloseStart
	ls := lineStart(d.text, c)
	if blank(d.text[ls:c]) {
		return edit{span{ls, ls}, block(string(d.text[ls:c]))}
	}
	return edit{span{c, c}, nl + block("")}
}

// cut returns the span to delete for an element, widened to its whole line
// when the element sits alone on it.
func (d *document) cut(s span) (span, bool) {
	text := d.text
	ls := lineStart(text, s.start)
	if !blank(text[ls:s.start]) {
		return s, false
	}
	le := s.end
	for le < len(text) && (text[le] == ' ' || text[le] == '\t') {
		le++
	}
	switch {
	case le == len(text):
		return span{ls, le}, true
	case text[le] == '\n':
		return span{ls, le + 1}, true
	case text[le] == '\r' && le+1 < len(text) && text[le+1] == '\n':
		return span{ls, le + 2}, true
	}
	return s, false
}

func (d *document) newline() string {
	if bytes.Contains(d.text, []byte("\r\n")) {
		return "\r\n"
	}
	return "\n"
}

// indentOf returns the whitespace preceding offset on its line, or "" when
// other content precedes it.
func (d *document) indentOf(offset int) string {
	ls := lineStart(d.text, offset)
	if !blank(d.text[ls:offset]) {
		return ""
	}
	return string(d.text[ls:offset])
}

// indentUnit guesses one level of indentation from the first indented
// element in the document.
func (d *document) indentUnit() string {
	for _, line := range bytes.Split(d.text, []byte("\n")) {
		trimmed := bytes.TrimLeft(line, " \t")
		if len(trimmed) < len(line) && bytes.HasPrefix(trimmed, []byte("<")) {
			return string(line[:len(line)-len(trimmed)])
		}
	}
	return "  "
}

func lineStart(text []byte, offset int) int {
	return bytes.LastIndexByte(text[:offset], '\n') + 1
}

func blank(b []byte) bool {
	return len(bytes.Trim(b, " \t")) == 0
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
