package metadata

import (
	"archive/zip"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rwcarlsen/goexif/exif"
)

// Extract pulls document properties for file types we understand.
// Extraction is strictly best-effort: any parse failure yields an
// empty map, never an error, since a threat report is useful without
// it.
func Extract(path string, mimeType string, maxBytes int64) map[string]string {
	switch {
	case mimeType == "image/jpeg" || mimeType == "image/png":
		return imageProperties(path, maxBytes)
	case mimeType == "application/pdf":
		return pdfProperties(path, maxBytes)
	case isOfficeDocument(path, mimeType):
		return officeProperties(path, maxBytes)
	}
	return nil
}

// Container sniffing reports Office documents as plain zip, so the
// extension has to break the tie.
func isOfficeDocument(path, mimeType string) bool {
	if strings.HasPrefix(mimeType, "application/vnd.openxmlformats-officedocument") {
		return true
	}
	if mimeType != "application/zip" {
		return false
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".docx", ".xlsx", ".pptx":
		return true
	}
	return false
}

func imageProperties(path string, maxBytes int64) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var reader io.Reader = f
	if maxBytes > 0 {
		reader = io.LimitReader(f, maxBytes)
	}
	x, err := exif.Decode(reader)
	if err != nil {
		return nil
	}

	props := make(map[string]string)
	if tm, err := x.DateTime(); err == nil {
		props["datetime"] = tm.Format(time.RFC3339)
	}
	if tag, err := x.Get(exif.Make); err == nil {
		props["make"] = tag.String()
	}
	if tag, err := x.Get(exif.Model); err == nil {
		props["model"] = tag.String()
	}
	if tag, err := x.Get(exif.Software); err == nil {
		props["software"] = tag.String()
	}
	return props
}

func pdfProperties(path string, maxBytes int64) map[string]string {
	if maxBytes > 0 {
		info, err := os.Stat(path)
		if err != nil || info.Size() > maxBytes {
			return nil
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := api.PDFInfo(f, path, nil, false, nil)
	if err != nil {
		return nil
	}

	props := make(map[string]string)
	setIf(props, "title", info.Title)
	setIf(props, "author", info.Author)
	setIf(props, "creator", info.Creator)
	setIf(props, "producer", info.Producer)
	return props
}

// officeProperties reads docProps/core.xml, the shared property part
// of every OOXML container.
func officeProperties(path string, maxBytes int64) map[string]string {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil
	}
	defer r.Close()

	var coreFile *zip.File
	for _, f := range r.File {
		if f.Name == "docProps/core.xml" {
			if maxBytes > 0 && f.UncompressedSize64 > uint64(maxBytes) {
				return nil
			}
			coreFile = f
			break
		}
	}
	if coreFile == nil {
		return nil
	}

	rc, err := coreFile.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()

	type coreProperties struct {
		Title          string `xml:"title"`
		Subject        string `xml:"subject"`
		Creator        string `xml:"creator"`
		Keywords       string `xml:"keywords"`
		Description    string `xml:"description"`
		LastModifiedBy string `xml:"lastModifiedBy"`
	}

	var core coreProperties
	var reader io.Reader = rc
	if maxBytes > 0 {
		reader = io.LimitReader(rc, maxBytes)
	}
	if err := xml.NewDecoder(reader).Decode(&core); err != nil {
		return nil
	}

	props := make(map[string]string)
	setIf(props, "title", core.Title)
	setIf(props, "subject", core.Subject)
	setIf(props, "creator", core.Creator)
	setIf(props, "keywords", core.Keywords)
	setIf(props, "description", core.Description)
	setIf(props, "lastModifiedBy", core.LastModifiedBy)
	return props
}

func setIf(props map[string]string, k, v string) {
	if v != "" {
		props[k] = v
	}
}
