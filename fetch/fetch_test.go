package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dhcgn/inbox-printer/model"
)

func TestExtractLinks(t *testing.T) {
	doc := `<p>
<a href="https://files.example/get?id=1&filename=label.png">label</a>
<a href="https://files.example/docs/invoice.pdf?filename=">invoice</a>
<a href="https://example.com/no-file">skip</a>
<a href="mailto:x@example.com?filename=zzz">skip</a>
<a href="https://files.example/get?id=1&filename=label.png">duplicate</a>
</p>`

	links := ExtractLinks(doc)
	if len(links) != 2 {
		t.Fatalf("ExtractLinks() returned %d links, want 2: %+v", len(links), links)
	}
	if links[0].Filename != "label.png" {
		t.Errorf("links[0].Filename = %q", links[0].Filename)
	}
	if links[1].Filename != "invoice.pdf" {
		t.Errorf("links[1].Filename = %q", links[1].Filename)
	}
}

func TestFetch_InlineAndAttachments(t *testing.T) {
	folder := t.TempDir()
	msg := model.Message{Parts: []model.Part{
		{ContentType: "text/html", Data: []byte("<p>hi</p>")},
		{ContentType: "image/png", Disposition: model.DispositionInline, ContentID: "abc", Data: []byte("inline")},
		{ContentType: "image/gif", ContentID: "noname", Data: []byte("gif")},
		{ContentType: "application/pdf", Disposition: model.DispositionAttachment, Filename: "label.pdf", Data: []byte("%PDF")},
		{ContentType: "text/csv", Disposition: model.DispositionAttachment, Filename: "items.csv", Data: []byte("a,b")},
	}}

	f := New(Options{}, nil)
	res := f.Fetch(context.Background(), msg, "", folder)

	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", res.Failures)
	}
	if got := res.Inline["abc"]; got != filepath.Join(folder, "inline_image_0.png") {
		t.Errorf("Inline[abc] = %q", got)
	}
	if _, ok := res.Inline["noname"]; !ok {
		t.Error("inline image without disposition not saved")
	}
	if len(res.Attachments) != 2 {
		t.Fatalf("len(Attachments) = %d, want 2", len(res.Attachments))
	}
	data, err := os.ReadFile(filepath.Join(folder, "label.pdf"))
	if err != nil || string(data) != "%PDF" {
		t.Errorf("label.pdf = %q, %v", data, err)
	}
}

func TestFetch_FirstWriteWins(t *testing.T) {
	folder := t.TempDir()
	existing := filepath.Join(folder, "label.png")
	if err := os.WriteFile(existing, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	msg := model.Message{Parts: []model.Part{
		{ContentType: "image/png", Disposition: model.DispositionAttachment, Filename: "label.png", Data: []byte("new")},
	}}
	res := New(Options{}, nil).Fetch(context.Background(), msg, "", folder)

	if len(res.Attachments) != 0 || len(res.Skipped) != 1 {
		t.Errorf("Attachments = %v, Skipped = %v", res.Attachments, res.Skipped)
	}
	data, _ := os.ReadFile(existing)
	if string(data) != "original" {
		t.Errorf("existing file overwritten: %q", data)
	}
}

func TestFetch_LinkFailureIsIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filename") == "broken.png" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "content of %s", r.URL.Query().Get("filename"))
	}))
	defer srv.Close()

	doc := fmt.Sprintf(`<a href="%[1]s/d?filename=a.png">a</a><a href="%[1]s/d?filename=broken.png">b</a><a href="%[1]s/d?filename=c.pdf">c</a>`, srv.URL)
	folder := t.TempDir()

	res := New(Options{RetryMax: 0}, nil).Fetch(context.Background(), model.Message{}, doc, folder)

	if len(res.Links) != 2 {
		t.Errorf("len(Links) = %d, want 2", len(res.Links))
	}
	if len(res.Failures) != 1 || res.Failures[0].Name != "broken.png" {
		t.Errorf("Failures = %v", res.Failures)
	}
	if _, err := os.Stat(filepath.Join(folder, "broken.png")); !os.IsNotExist(err) {
		t.Errorf("partial file for failed download left behind: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(folder, "c.pdf"))
	if err != nil || string(data) != "content of c.pdf" {
		t.Errorf("c.pdf = %q, %v", data, err)
	}
}

func TestFetch_BoundedConcurrency(t *testing.T) {
	var inflight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var doc string
	for i := 0; i < 8; i++ {
		doc += fmt.Sprintf(`<a href="%s/d?filename=f%d.txt">x</a>`, srv.URL, i)
	}

	res := New(Options{Workers: 3}, nil).Fetch(context.Background(), model.Message{}, doc, t.TempDir())

	if len(res.Links) != 8 {
		t.Fatalf("len(Links) = %d, want 8 (failures %v)", len(res.Links), res.Failures)
	}
	if got := atomic.LoadInt32(&peak); got > 3 {
		t.Errorf("peak concurrent downloads = %d, want <= 3", got)
	}
}

func TestIsLabel(t *testing.T) {
	for name, want := range map[string]bool{
		"label.PNG": true, "a.jpeg": true, "a.jpg": true, "x.pdf": true, "notes.txt": false, "noext": false,
	} {
		if got := IsLabel(name); got != want {
			t.Errorf("IsLabel(%q) = %v, want %v", name, got, want)
		}
	}
}
