package metadata

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestExtractUnknownTypes(t *testing.T) {
	for _, mime := range []string{"unknown", "text/plain", "application/octet-stream"} {
		if meta := Extract("irrelevant", mime, 1024); len(meta) != 0 {
			t.Errorf("no properties expected for %s, got %v", mime, meta)
		}
	}
}

func TestExtractBestEffortOnGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.jpg")
	if err := os.WriteFile(path, []byte("not a real jpeg"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if meta := Extract(path, "image/jpeg", 1024); len(meta) != 0 {
		t.Errorf("unparseable image should yield nothing, got %v", meta)
	}
}

func TestExtractOfficeCoreProperties(t *testing.T) {
	core := `<?xml version="1.0"?>
<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties"
 xmlns:dc="http://purl.org/dc/elements/1.1/">
  <dc:title>Quarterly Report</dc:title>
  <dc:creator>pat</dc:creator>
  <cp:lastModifiedBy>sam</cp:lastModifiedBy>
</cp:coreProperties>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("docProps/core.xml")
	w.Write([]byte(core))
	zw.Close()

	path := filepath.Join(t.TempDir(), "report.docx")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	meta := Extract(path, "application/zip", 1<<20)
	if meta["title"] != "Quarterly Report" || meta["creator"] != "pat" || meta["lastModifiedBy"] != "sam" {
		t.Fatalf("unexpected properties %v", meta)
	}
}

func TestOfficeSizeBound(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("docProps/core.xml")
	w.Write(bytes.Repeat([]byte("<x>"), 1000))
	zw.Close()

	path := filepath.Join(t.TempDir(), "big.docx")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if meta := Extract(path, "application/zip", 10); len(meta) != 0 {
		t.Errorf("oversized property part should be skipped, got %v", meta)
	}
}
