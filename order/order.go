// Package order recovers purchase-order metadata from notification bodies and
// maps it to a destination folder.
package order

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dhcgn/inbox-printer/model"
)

var (
	originalPOPattern    = regexp.MustCompile(`Original PO - (\d+)`)
	replacementPOPattern = regexp.MustCompile(`Replacement PO - (\d+[-R]*)`)
	poNumberPattern      = regexp.MustCompile(`PO Number: (\d+)`)
	customerPattern      = regexp.MustCompile(`Delivery address:\s*([A-Za-z\s]+)`)
	whitespacePattern    = regexp.MustCompile(`\s+`)
)

// Match is the result of a successful Parse.
type Match struct {
	OrderID  string
	Customer string
}

// Parse applies the extraction rules in priority order:
//
//  1. "Original PO" and "Replacement PO" both present: the replacement value wins.
//  2. "PO Number:" present: that value.
//  3. Otherwise there is no match.
//
// The customer falls back to model.UnknownCustomer.
func Parse(text string) (Match, bool) {
	var id string

	original := originalPOPattern.FindStringSubmatch(text)
	replacement := replacementPOPattern.FindStringSubmatch(text)
	switch {
	case original != nil && replacement != nil:
		id = replacement[1]
	default:
		if m := poNumberPattern.FindStringSubmatch(text); m != nil {
			id = m[1]
		}
	}
	if id == "" {
		return Match{}, false
	}

	return Match{OrderID: id, Customer: parseCustomer(text)}, true
}

func parseCustomer(text string) string {
	m := customerPattern.FindStringSubmatch(text)
	if m == nil {
		return model.UnknownCustomer
	}
	// The capture may run across lines; the name is the first non-empty one.
	for _, line := range strings.Split(m[1], "\n") {
		if name := normalizeSpace(line); name != "" {
			return name
		}
	}
	return model.UnknownCustomer
}

func normalizeSpace(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// FolderName is the directory name for an order. It is a pure function of its inputs.
func FolderName(orderID, customer string) string {
	customer = normalizeSpace(customer)
	if customer == "" {
		customer = model.UnknownCustomer
	}
	return fmt.Sprintf("%s_%s", SanitizeFilename(orderID), SanitizeFilename(customer))
}

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// SanitizeFilename replaces characters that are invalid in Windows file names.
func SanitizeFilename(name string) string {
	return invalidFilenameChars.ReplaceAllString(name, "_")
}

// Resolver maps orders to folders below a root directory.
type Resolver struct {
	root string
}

func NewResolver(root string) (*Resolver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("attachments root is empty")
	}
	return &Resolver{root: filepath.Clean(root)}, nil
}

// Resolve creates (if needed) and returns the folder for the order.
// Two orders with the same id and customer share a folder.
func (r *Resolver) Resolve(orderID, customer string) (string, error) {
	if orderID == "" {
		return "", fmt.Errorf("order id is empty")
	}
	path := filepath.Join(r.root, FolderName(orderID, customer))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create order folder %s: %w", path, err)
	}
	return path, nil
}
