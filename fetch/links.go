package fetch

import (
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Link is a download referenced from the message body.
type Link struct {
	URL      string
	Filename string
}

// ExtractLinks returns every <a href> whose URL carries a filename query
// parameter, in document order. The file name comes from that parameter, or
// from the URL path when the parameter is empty.
func ExtractLinks(doc string) []Link {
	if strings.TrimSpace(doc) == "" {
		return nil
	}
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil
	}

	var links []Link
	seen := make(map[string]bool)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, attr := range n.Attr {
				if attr.Key != "href" || !strings.Contains(attr.Val, "filename=") {
					continue
				}
				if link, ok := parseLink(attr.Val); ok && !seen[link.URL] {
					seen[link.URL] = true
					links = append(links, link)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return links
}

func parseLink(raw string) (Link, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Link{}, false
	}
	name := u.Query().Get("filename")
	if name == "" {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" {
		name = "downloaded_file"
	}
	return Link{URL: u.String(), Filename: name}, true
}
