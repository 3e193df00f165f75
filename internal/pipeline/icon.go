package pipeline

import (
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/net/html"

	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
)

// IconOrigin records where a resolved icon came from.
type IconOrigin string

const (
	IconFromCaller    IconOrigin = "caller"
	IconFromTree      IconOrigin = "tree"
	IconFromEntryPage IconOrigin = "entry_page"
	IconDefault       IconOrigin = "default"
)

// Conventional in-tree icon locations, probed in order.
var iconCandidates = []string{
	"icon.png",
	"public/icon.png",
	"assets/icon.png",
	"src/assets/icon.png",
	"www/icon.png",
	"static/icon.png",
	"favicon.png",
}

// Entry pages searched for <link rel="icon"> references, in order.
var entryPages = []string{
	"index.html",
	"www/index.html",
	"public/index.html",
}

const maxEntryPageBytes = 1 << 20

// IconResolution is the outcome of ResolveIcon. Path is empty for IconDefault.
type IconResolution struct {
	Path   string
	Origin IconOrigin
}

// ResolveIcon picks one icon for the build. A caller-supplied icon is written
// to dest; otherwise the source tree is probed. The first match wins.
func ResolveIcon(root string, callerIcon []byte, dest string) (IconResolution, error) {
	if len(callerIcon) > 0 {
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return IconResolution{}, errors.FileSystemError("create icon directory").WithCause(err).Build()
		}
		if err := os.WriteFile(dest, callerIcon, 0o640); err != nil {
			return IconResolution{}, errors.FileSystemError("write caller icon").WithCause(err).WithContext("path", dest).Build()
		}
		return IconResolution{Path: dest, Origin: IconFromCaller}, nil
	}

	for _, rel := range iconCandidates {
		if p, ok := regularFile(root, rel); ok {
			return IconResolution{Path: p, Origin: IconFromTree}, nil
		}
	}

	for _, page := range entryPages {
		for _, href := range iconLinks(root, page) {
			rel, ok := localHref(page, href)
			if !ok {
				continue
			}
			if p, ok := regularFile(root, rel); ok {
				return IconResolution{Path: p, Origin: IconFromEntryPage}, nil
			}
		}
	}

	return IconResolution{Origin: IconDefault}, nil
}

// regularFile reports root/rel when it is a regular file reached without
// following a symlink in any path component.
func regularFile(root, rel string) (string, bool) {
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", false
	}
	p, err := securejoin.SecureJoin(root, local)
	if err != nil || p != filepath.Join(root, local) {
		return "", false
	}
	info, err := os.Lstat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// iconLinks returns hrefs of icon link elements in an entry page, in document order.
func iconLinks(root, page string) []string {
	p, ok := regularFile(root, page)
	if !ok {
		return nil
	}
	f, err := os.Open(p) // #nosec G304 -- confined to the build's source tree
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()
	return iconLinksFromReader(io.LimitReader(f, maxEntryPageBytes))
}

func iconLinksFromReader(r io.Reader) []string {
	doc, err := html.Parse(r)
	if err != nil {
		return nil
	}
	var hrefs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "link" && isIconRel(getAttr(n, "rel")) {
			if href := strings.TrimSpace(getAttr(n, "href")); href != "" {
				hrefs = append(hrefs, href)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hrefs
}

func isIconRel(rel string) bool {
	for _, tok := range strings.Fields(strings.ToLower(rel)) {
		if tok == "icon" || tok == "apple-touch-icon" {
			return true
		}
	}
	return false
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// localHref turns an href found in page into a tree-relative path. Remote,
// data and escaping references are rejected.
func localHref(page, href string) (string, bool) {
	u, err := url.Parse(href)
	if err != nil || u.Scheme != "" || u.Host != "" || u.Opaque != "" || u.Path == "" {
		return "", false
	}
	var rel string
	if strings.HasPrefix(u.Path, "/") {
		rel = path.Clean(strings.TrimPrefix(u.Path, "/"))
	} else {
		rel = path.Clean(path.Join(path.Dir(page), u.Path))
	}
	if rel == "." || strings.HasPrefix(rel, "../") || rel == ".." {
		return "", false
	}
	return rel, filepath.IsLocal(filepath.FromSlash(rel))
}
