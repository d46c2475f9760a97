// Package attachment validates chat uploads before they leave the process.
package attachment

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	ErrEmptyFile       = errors.New("file is empty")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrInvalidFile     = errors.New("file content does not match its type")
)

const (
	PolicyDocument = "document"
	PolicyAgent    = "agent"

	// DefaultMaxBytes is the per-file ceiling when none is configured.
	DefaultMaxBytes int64 = 10 << 20

	mimePDF  = "application/pdf"
	mimeDOC  = "application/msword"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeJPEG = "image/jpeg"
	mimePNG  = "image/png"
	mimeTXT  = "text/plain"
)

// Policy is a named allowlist of file types with a size ceiling.
type Policy struct {
	Name     string
	MaxBytes int64
	// byExt maps a lowercase extension to its canonical MIME type.
	byExt map[string]string
}

// NewPolicy returns the named policy. "document" accepts PDF and Word files;
// "agent" accepts what the inference service can read (PDF, JPG, PNG, TXT).
func NewPolicy(name string, maxBytes int64) (Policy, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", PolicyDocument:
		return Policy{Name: PolicyDocument, MaxBytes: maxBytes, byExt: map[string]string{
			".pdf":  mimePDF,
			".doc":  mimeDOC,
			".docx": mimeDOCX,
		}}, nil
	case PolicyAgent:
		return Policy{Name: PolicyAgent, MaxBytes: maxBytes, byExt: map[string]string{
			".pdf":  mimePDF,
			".jpg":  mimeJPEG,
			".jpeg": mimeJPEG,
			".png":  mimePNG,
			".txt":  mimeTXT,
		}}, nil
	default:
		return Policy{}, fmt.Errorf("unknown upload policy %q", name)
	}
}

// Extensions lists accepted extensions, sorted.
func (p Policy) Extensions() []string {
	out := make([]string, 0, len(p.byExt))
	for ext := range p.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Upload is a file as received from the client.
type Upload struct {
	Name     string
	MimeType string
	Data     []byte
}

// Info is the validated view of an upload.
type Info struct {
	Name     string
	MimeType string
	Size     int64
	// Pages is set for PDFs.
	Pages int
}

// Check validates the declared metadata only. It never reads the body.
func (p Policy) Check(name, mimeType string, size int64) (string, error) {
	if size <= 0 {
		return "", ErrEmptyFile
	}
	if size > p.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, size, p.MaxBytes)
	}
	ext := strings.ToLower(filepath.Ext(name))
	canonical, ok := p.byExt[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q (allowed: %s)", ErrUnsupportedType, ext, strings.Join(p.Extensions(), ", "))
	}
	declared := normalizeMIME(mimeType)
	if declared != "" && declared != "application/octet-stream" && declared != canonical {
		return "", fmt.Errorf("%w: %s declared as %s", ErrUnsupportedType, ext, declared)
	}
	return canonical, nil
}

// Inspect runs Check and then verifies the bytes look like the declared type.
func (p Policy) Inspect(u Upload) (Info, error) {
	mimeType, err := p.Check(u.Name, u.MimeType, int64(len(u.Data)))
	if err != nil {
		return Info{}, err
	}
	info := Info{Name: u.Name, MimeType: mimeType, Size: int64(len(u.Data))}
	sniffed := normalizeMIME(http.DetectContentType(u.Data))
	switch mimeType {
	case mimePDF:
		if sniffed != mimePDF {
			return Info{}, fmt.Errorf("%w: not a PDF", ErrInvalidFile)
		}
		pages, err := pdfPages(u.Data)
		if err != nil {
			return Info{}, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
		info.Pages = pages
	case mimePNG, mimeJPEG:
		if sniffed != mimeType {
			return Info{}, fmt.Errorf("%w: not a %s image", ErrInvalidFile, strings.TrimPrefix(mimeType, "image/"))
		}
	case mimeTXT:
		if !strings.HasPrefix(sniffed, "text/") {
			return Info{}, fmt.Errorf("%w: not plain text", ErrInvalidFile)
		}
	case mimeDOCX:
		if sniffed != "application/zip" {
			return Info{}, fmt.Errorf("%w: not a DOCX archive", ErrInvalidFile)
		}
	}
	return info, nil
}

func pdfPages(data []byte) (pages int, err error) {
	defer func() {
		// The parser panics on some malformed inputs.
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	n := reader.NumPage()
	if n <= 0 {
		return 0, errors.New("pdf has no pages")
	}
	return n, nil
}

func normalizeMIME(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	if v == "image/jpg" {
		v = mimeJPEG
	}
	return v
}
