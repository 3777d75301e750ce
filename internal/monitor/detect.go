package monitor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// baseStrip removes markup that never carries notice content and changes
// between identical renders (inline scripts, style blocks, head noise).
const baseStrip = "script, style, noscript, iframe, template, meta, link"

const (
	defaultListSelector = "ul.list li"
	excerptRunes        = 200
	summaryRunes        = 280
)

// Detector turns fetched HTML into a deterministic fingerprint and, for
// list resources, an ordered set of discrete items. The volatile-region
// rule is configuration: extra strip selectors come from the operator, so
// what counts as "meaningful content" is documented per deployment.
type Detector struct {
	listSelector string
	strip        string
}

func NewDetector(listSelector string, stripSelectors []string) *Detector {
	sel := strings.TrimSpace(listSelector)
	if sel == "" {
		sel = defaultListSelector
	}
	strip := baseStrip
	if len(stripSelectors) > 0 {
		strip = strip + ", " + strings.Join(stripSelectors, ", ")
	}
	return &Detector{listSelector: sel, strip: strip}
}

// Normalize parses HTML, strips volatile regions, and collapses the
// remaining text to single-space separation. Identical meaningful content
// always normalizes to the same string.
func (d *Detector) Normalize(pageURL string, content []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return "", &ParseError{URL: pageURL, Err: err}
	}
	doc.Find(d.strip).Remove()
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}

// Fingerprint is a hex SHA-256 over normalized text.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

type Detection struct {
	State       DetectState
	Fingerprint string
	Excerpt     string
	Summary     string
}

// Detect classifies fetched content against the task's stored fingerprint.
// The caller must only invoke this after a successful fetch.
func (d *Detector) Detect(task *Task, content []byte) (Detection, error) {
	normalized, err := d.Normalize(task.URL, content)
	if err != nil {
		return Detection{}, err
	}
	fp := Fingerprint(normalized)
	excerpt := truncateRunes(normalized, excerptRunes)

	switch {
	case task.LastFingerprint == "":
		return Detection{State: StateBaseline, Fingerprint: fp, Excerpt: excerpt}, nil
	case task.LastFingerprint == fp:
		return Detection{State: StateUnchanged, Fingerprint: fp, Excerpt: excerpt}, nil
	default:
		return Detection{
			State:       StateChanged,
			Fingerprint: fp,
			Excerpt:     excerpt,
			Summary:     changeSummary(task.LastExcerpt, excerpt),
		}, nil
	}
}

// changeSummary diffs the stored excerpt against the new one and reports
// the inserted text, falling back to the new excerpt when the diff is
// all-churn (e.g. the stored excerpt is from a different page section).
func changeSummary(old, cur string) string {
	if old == "" {
		return truncateRunes(cur, summaryRunes)
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(old, cur, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var added strings.Builder
	for _, df := range diffs {
		if df.Type == diffmatchpatch.DiffInsert {
			if added.Len() > 0 {
				added.WriteString(" … ")
			}
			added.WriteString(strings.TrimSpace(df.Text))
		}
	}
	if s := strings.TrimSpace(added.String()); s != "" {
		return truncateRunes(s, summaryRunes)
	}
	return truncateRunes(cur, summaryRunes)
}

// ExtractItems enumerates list entries in listing order. Each item's
// identity is its link resolved against the page URL, so the same notice
// keeps the same id across fetches regardless of relative-link form.
func (d *Detector) ExtractItems(pageURL string, content []byte) ([]Item, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, &ParseError{URL: pageURL, Err: err}
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, &ParseError{URL: pageURL, Err: err}
	}

	var items []Item
	doc.Find(d.listSelector).Each(func(_ int, sel *goquery.Selection) {
		a := sel.Find("a").First()
		href, ok := a.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()

		title := strings.Join(strings.Fields(a.Text()), " ")
		if title == "" {
			title = abs
		}
		date := strings.TrimSpace(sel.Find("span").Last().Text())

		items = append(items, Item{ID: abs, Title: title, URL: abs, Date: date})
	})
	return items, nil
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "…"
}
