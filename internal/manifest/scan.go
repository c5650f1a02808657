package manifest

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/git-pkgs/pkgref/internal/core"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// span is a half-open byte range into the manifest text.
type span struct {
	start, end int
}

// entry is one recognised package declaration and where it lives in the text.
type entry struct {
	ref      core.PackageReference
	element  string // element name as written
	outer    span   // whole element, start tag through end tag
	name     span   // raw value of the Include/id attribute
	version  span   // raw value of the Version attribute or <Version> text
	quote    byte   // quote used around the name attribute
	extra    string // raw targetFramework value for packages.config entries
	shadowed bool   // a duplicate name seen after the first declaration
}

// document is the scanned form of a manifest: the original bytes plus the
// positions needed to rewrite them in place.
type document struct {
	text    []byte
	format  Format
	entries []entry

	rootName        string // as written, including any prefix
	rootStartTag    span
	rootSelfClosing bool
	rootCloseStart  int // offset of the root end tag; -1 when self-closing
}

// refs returns the first declaration of every package in file order.
func (d *document) refs() []core.PackageReference {
	refs := make([]core.PackageReference, 0, len(d.entries))
	for _, e := range d.entries {
		if !e.shadowed {
			refs = append(refs, e.ref)
		}
	}
	return refs
}

type frame struct {
	entry    *entry // non-nil while inside a package declaration
	inVer    bool   // inside a <Version> child of a declaration
	verStart int
	verText  strings.Builder
}

// scan parses text and records the location of every package declaration.
func scan(text []byte) (*document, error) {
	offset := 0
	if bytes.HasPrefix(text, utf8BOM) {
		offset = len(utf8BOM)
	}

	dec := xml.NewDecoder(bytes.NewReader(text[offset:]))
	dec.Strict = true
	// Manifests are UTF-8; accept whatever label the declaration carries
	// without transcoding so offsets stay byte-accurate.
	dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	doc := &document{text: text, rootCloseStart: -1}
	var stack []*frame
	rootDone := false

	for {
		start := offset + int(dec.InputOffset())
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, syntaxError(err)
		}
		end := offset + int(dec.InputOffset())

		switch t := tok.(type) {
		case xml.StartElement:
			selfClosing := bytes.HasSuffix(text[start:end], []byte("/>"))

			if len(stack) == 0 {
				if rootDone {
					return nil, &core.ParseError{Line: lineOf(text, start), Err: errors.New("multiple root elements")}
				}
				doc.rootName = rawName(text[start:end])
				doc.rootStartTag = span{start, end}
				doc.rootSelfClosing = selfClosing
				if strings.EqualFold(t.Name.Local, "packages") {
					doc.format = FormatPackagesConfig
				}
				stack = append(stack, &frame{})
				continue
			}

			parent := stack[len(stack)-1]
			f := &frame{}

			switch {
			case parent.entry == nil && doc.isDeclaration(t.Name.Local):
				f.entry = doc.newEntry(t, text, span{start, end})
			case parent.entry != nil && !parent.inVer && strings.EqualFold(t.Name.Local, "Version") &&
				parent.entry.version == (span{}) && !selfClosing:
				f.inVer = true
				f.entry = parent.entry
				f.verStart = end
			}
			stack = append(stack, f)

		case xml.CharData:
			if len(stack) > 0 && stack[len(stack)-1].inVer {
				stack[len(stack)-1].verText.Write(t)
			}

		case xml.EndElement:
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if len(stack) == 0 {
				rootDone = true
				if !doc.rootSelfClosing {
					doc.rootCloseStart = start
				}
				continue
			}

			switch {
			case f.inVer:
				raw := text[f.verStart:start]
				lead := len(raw) - len(bytes.TrimLeft(raw, " \t\r\n"))
				trail := len(raw) - len(bytes.TrimRight(raw, " \t\r\n"))
				if lead < len(raw) {
					f.entry.version = span{f.verStart + lead, start - trail}
					f.entry.ref.Version = strings.TrimSpace(f.verText.String())
				}
			case f.entry != nil:
				f.entry.outer.end = end
				doc.finish(f.entry)
			}
		}
	}

	if doc.rootName == "" {
		return nil, &core.ParseError{Err: errors.New("no root element")}
	}
	return doc, nil
}

func (d *document) isDeclaration(local string) bool {
	if d.format == FormatPackagesConfig {
		return strings.EqualFold(local, "package")
	}
	return strings.EqualFold(local, "PackageReference") || strings.EqualFold(local, "PackageVersion")
}

func (d *document) newEntry(t xml.StartElement, text []byte, tag span) *entry {
	e := &entry{
		element: rawName(text[tag.start:tag.end]),
		outer:   span{start: tag.start},
	}

	nameAttr, versionAttr := "Include", "Version"
	if d.format == FormatPackagesConfig {
		nameAttr, versionAttr = "id", "version"
	}

	for _, a := range t.Attr {
		switch {
		case strings.EqualFold(a.Name.Local, nameAttr):
			e.ref.Name = strings.TrimSpace(a.Value)
		case strings.EqualFold(a.Name.Local, versionAttr):
			e.ref.Version = strings.TrimSpace(a.Value)
		}
	}

	for _, a := range scanAttrs(text, tag) {
		switch {
		case strings.EqualFold(a.name, nameAttr):
			e.name = a.value
			e.quote = a.quote
		case strings.EqualFold(a.name, versionAttr):
			e.version = a.value
		case strings.EqualFold(a.name, "targetFramework"):
			e.extra = string(text[a.value.start:a.value.end])
		}
	}
	return e
}

// finish keeps well-formed declarations. Entries without a name or version
// are left in the text untouched.
func (d *document) finish(e *entry) {
	if e.ref.Name == "" || e.ref.Version == "" || e.version == (span{}) {
		return
	}
	for _, prev := range d.entries {
		if prev.ref.Matches(e.ref.Name) {
			e.shadowed = true
			break
		}
	}
	d.entries = append(d.entries, *e)
}

type rawAttr struct {
	name  string
	value span
	quote byte
}

// scanAttrs walks the raw start tag and returns each attribute with the
// byte span of its (still escaped) value.
func scanAttrs(text []byte, tag span) []rawAttr {
	i := tag.start + 1
	// skip the element name
	for i < tag.end && !isSpace(text[i]) && text[i] != '/' && text[i] != '>' {
		i++
	}

	var attrs []rawAttr
	for i < tag.end {
		for i < tag.end && isSpace(text[i]) {
			i++
		}
		if i >= tag.end || text[i] == '/' || text[i] == '>' {
			break
		}
		nameStart := i
		for i < tag.end && text[i] != '=' && !isSpace(text[i]) && text[i] != '/' && text[i] != '>' {
			i++
		}
		name := string(text[nameStart:i])
		for i < tag.end && isSpace(text[i]) {
			i++
		}
		if i >= tag.end || text[i] != '=' {
			continue
		}
		i++
		for i < tag.end && isSpace(text[i]) {
			i++
		}
		if i >= tag.end || (text[i] != '"' && text[i] != '\'') {
			break
		}
		quote := text[i]
		i++
		valueStart := i
		for i < tag.end && text[i] != quote {
			i++
		}
		attrs = append(attrs, rawAttr{name: name, value: span{valueStart, i}, quote: quote})
		i++
	}
	return attrs
}

// rawName returns the element name exactly as written in a start tag.
func rawName(tag []byte) string {
	i := 1
	for i < len(tag) && !isSpace(tag[i]) && tag[i] != '/' && tag[i] != '>' {
		i++
	}
	return string(tag[1:i])
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

func lineOf(text []byte, offset int) int {
	return bytes.Count(text[:offset], []byte("\n")) + 1
}

func syntaxError(err error) error {
	var se *xml.SyntaxError
	if errors.As(err, &se) {
		return &core.ParseError{Line: se.Line, Err: errors.New(se.Msg)}
	}
	return &core.ParseError{Err: fmt.Errorf("reading document: %w", err)}
}
