// Package artifact parses JUnit-style XML test artifacts into normalized
// test outcomes, streaming rather than holding the full document in memory.
package artifact

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/testwatch/testwatch/internal/ingestion"
	"github.com/testwatch/testwatch/internal/testpath"
)

// ErrMalformedXML is wrapped by ParseError when the XML token stream cannot
// be decoded.
var ErrMalformedXML = errors.New("malformed JUnit XML artifact")

// Parser implements ingestion.Parser.
var _ ingestion.Parser = (*Parser)(nil)

// ParseError carries the byte offset and a short excerpt around the failure,
// per spec: the caller aborts this one import without touching previously
// committed data.
type ParseError struct {
	Offset  int64
	Excerpt string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse artifact at offset %d: %v (near %q)", e.Offset, e.Err, e.Excerpt)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

const excerptLen = 80

// Summary holds the per-artifact outcome counts used to cross-check the
// Import Service's recomputed Job counters (spec §8 "Count consistency").
type Summary struct {
	Total, Passed, Failed, Skipped, Error int
}

// Parser streams one JUnit XML document into normalized TestResults.
//
// testRootPrefix configures the `testcase_module` path-derivation regex
// (spec §4.A): `^<test_root>/(?P<module>[^/]+)/` applied to each test's
// `file` attribute.
type Parser struct {
	modulePattern *regexp.Regexp
}

// NewParser builds a Parser. An empty testRootPrefix disables testcase_module
// derivation (every result gets an empty TestcaseModule).
func NewParser(testRootPrefix string) *Parser {
	return &Parser{modulePattern: testpath.ModulePattern(testRootPrefix)}
}

// testcase mirrors the subset of a JUnit <testcase> element this parser cares
// about. xml.Decoder streams tokens so the full DOM is never materialized;
// decoding one <testcase> at a time keeps peak memory at O(1) per test.
type testcase struct {
	XMLName    xml.Name `xml:"testcase"`
	Name       string   `xml:"name,attr"`
	ClassName  string   `xml:"classname,attr"`
	File       string   `xml:"file,attr"`
	Time       string   `xml:"time,attr"`
	Failure    *failure `xml:"failure"`
	Error      *failure `xml:"error"`
	Skipped    *skipped `xml:"skipped"`
}

type failure struct {
	Message string `xml:"message,attr"`
	Text    string `xml:",chardata"`
}

type skipped struct {
	Message string `xml:"message,attr"`
}

// Parse implements ingestion.Parser. It decodes <testcase> elements one at a
// time via a streaming token reader (never holding the whole document).
func (p *Parser) Parse(reader io.Reader) ([]*ingestion.TestResult, error) {
	results, _, err := p.ParseWithSummary(reader)

	return results, err
}

// ParseWithSummary is the richer entry point that also returns the
// artifact-level pass/fail/skip/error summary (spec §4.A output contract).
func (p *Parser) ParseWithSummary(reader io.Reader) ([]*ingestion.TestResult, *Summary, error) {
	// offsetReader lets us report an accurate byte-offset excerpt on malformed
	// XML without buffering the whole artifact.
	var offset int64

	countingReader := &offsetReader{r: reader, offset: &offset}

	decoder := xml.NewDecoder(countingReader)

	var results []*ingestion.TestResult

	summary := &Summary{}

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, nil, &ParseError{Offset: offset, Excerpt: excerpt(countingReader.last), Err: fmt.Errorf("%w: %w", ErrMalformedXML, err)}
		}

		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != "testcase" {
			continue
		}

		var tc testcase

		if err := decoder.DecodeElement(&tc, &start); err != nil {
			return nil, nil, &ParseError{Offset: offset, Excerpt: excerpt(countingReader.last), Err: fmt.Errorf("%w: %w", ErrMalformedXML, err)}
		}

		result := toTestResult(&tc, p.modulePattern)
		results = append(results, result)

		summary.Total++

		switch result.Status {
		case ingestion.TestStatusPassed:
			summary.Passed++
		case ingestion.TestStatusFailed:
			summary.Failed++
		case ingestion.TestStatusSkipped:
			summary.Skipped++
		case ingestion.TestStatusError:
			summary.Error++
		}
	}

	return results, summary, nil
}

func toTestResult(tc *testcase, modulePattern *regexp.Regexp) *ingestion.TestResult {
	result := &ingestion.TestResult{
		TestName: testName(tc),
		FilePath: tc.File,
	}

	switch {
	case tc.Failure != nil:
		result.Status = ingestion.TestStatusFailed
		result.Message = tc.Failure.Message
		result.StackTrace = tc.Failure.Text
	case tc.Error != nil:
		result.Status = ingestion.TestStatusError
		result.Message = tc.Error.Message
		result.StackTrace = tc.Error.Text
	case tc.Skipped != nil:
		result.Status = ingestion.TestStatusSkipped
		result.Message = tc.Skipped.Message
	default:
		result.Status = ingestion.TestStatusPassed
	}

	if tc.Time != "" {
		if d, err := strconv.ParseFloat(tc.Time, 64); err == nil {
			result.DurationSec = d
			result.HasDuration = true
		}
	}

	if tc.File != "" {
		if module := testpath.ModuleFor(modulePattern, tc.File); module != "" {
			result.TestcaseModule = module
		}
	}

	return result
}

func testName(tc *testcase) string {
	if tc.ClassName == "" {
		return tc.Name
	}

	return tc.ClassName + "." + tc.Name
}

func excerpt(buf []byte) string {
	if len(buf) > excerptLen {
		buf = buf[len(buf)-excerptLen:]
	}

	return string(buf)
}

// offsetReader wraps an io.Reader to track the number of bytes consumed and
// keep a rolling tail for error excerpts, without buffering the full stream.
type offsetReader struct {
	r      io.Reader
	offset *int64
	last   []byte
}

func (o *offsetReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	*o.offset += int64(n)

	if n > 0 {
		o.last = append(o.last[:0], p[:n]...)
	}

	return n, err
}
