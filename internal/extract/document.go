package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/kalambet/folio/internal/capability"
)

// extractDocument extracts text from document bytes of a known type.
func extractDocument(content []byte, contentType string) (string, error) {
	var (
		text string
		err  error
	)
	switch contentType {
	case TypePDF:
		text, err = extractPDF(content)
	case TypeDOCX:
		text, err = extractDOCX(content)
	case TypePPTX:
		text, err = extractPPTX(content)
	case TypeXLSX:
		text, err = extractXLSX(content)
	default:
		text, err = extractPlain(content)
	}
	if err != nil {
		return "", &capability.ExtractionError{Reason: capability.CorruptInput, ContentType: contentType, Err: err}
	}
	return text, nil
}

func extractPDF(content []byte) (text string, err error) {
	// The pdf package panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}
	var buf bytes.Buffer
	numPages := r.NumPage()
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extract page %d: %w", i, err)
		}
		buf.WriteString(pageText)
		if i < numPages {
			buf.WriteByte('\n')
		}
	}
	return strings.TrimSpace(buf.String()), nil
}

// wtTag matches <w:t>text</w:t> runs in WordprocessingML.
var wtTag = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)

// wpEnd marks paragraph ends so paragraphs survive as lines.
var wpEnd = regexp.MustCompile(`</w:p>`)

func extractDOCX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("DOCX is not a zip: %w", err)
	}
	doc, err := readZipFile(zr, "word/document.xml")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, para := range wpEnd.Split(string(doc), -1) {
		runs := wtTag.FindAllStringSubmatch(para, -1)
		if len(runs) == 0 {
			continue
		}
		for _, r := range runs {
			b.WriteString(r[1])
		}
		b.WriteByte('\n')
	}
	return unescapeXML(strings.TrimSpace(b.String())), nil
}

// atTag matches <a:t>text</a:t> runs in DrawingML slides.
var atTag = regexp.MustCompile(`<a:t[^>]*>([^<]*)</a:t>`)

var slideName = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func extractPPTX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("PPTX is not a zip: %w", err)
	}

	type slide struct {
		n    int
		file *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		m := slideName.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		slides = append(slides, slide{n: n, file: f})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	var b strings.Builder
	for _, s := range slides {
		data, err := readZipEntry(s.file)
		if err != nil {
			return "", err
		}
		parts := atTag.FindAllStringSubmatch(string(data), -1)
		for i, p := range parts {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strings.TrimSpace(p[1]))
		}
		b.WriteByte('\n')
	}
	return unescapeXML(strings.TrimSpace(b.String())), nil
}

func extractXLSX(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("open Excel: %w", err)
	}
	defer f.Close()

	var buf strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("get rows for sheet %q: %w", sheet, err)
		}
		buf.WriteString("# " + sheet + "\n")
		for _, row := range rows {
			buf.WriteString(strings.Join(row, "\t"))
			buf.WriteByte('\n')
		}
	}
	return strings.TrimSpace(buf.String()), nil
}

func extractPlain(content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", fmt.Errorf("text is not valid UTF-8")
	}
	return strings.TrimSpace(string(bytes.TrimPrefix(content, []byte("\xef\xbb\xbf")))), nil
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return readZipEntry(f)
		}
	}
	return nil, fmt.Errorf("%s not found", name)
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return buf.Bytes(), nil
}

var xmlEntities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

func unescapeXML(s string) string {
	return xmlEntities.Replace(s)
}
