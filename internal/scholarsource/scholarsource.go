// Package scholarsource parses a single Google Scholar profile page into the
// structured shape of §4.4. It knows exactly one page schema — unlike the
// teacher's operator-configurable parser, there is no selector/rule
// abstraction to generalize: every Scholar profile page has the same DOM.
package scholarsource

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Kind discriminates the ParseResult tagged union — Go has no native sum
// type, so this is the same struct-plus-enum-field shape the teacher uses
// for types.FetchError vs. a plain error.
type Kind string

const (
	KindOK          Kind = "ok"
	KindLayoutError Kind = "layout_error"
)

// LayoutErrorCode names the specific structural failure for KindLayoutError
// results, per §4.4's "short code" requirement.
type LayoutErrorCode string

const (
	CodeMissingRows      LayoutErrorCode = "missing_rows"
	CodeUnexpectedToken  LayoutErrorCode = "unexpected_token"
	CodeMissingProfile   LayoutErrorCode = "missing_profile"
)

// ProfileMeta is captured only from the first page of a scholar's walk.
type ProfileMeta struct {
	DisplayName     string
	Affiliation     string
	EmailDomain     string
	Interests       []string
	ProfileImageURL string
}

// PublicationRow is one row of the citation table.
type PublicationRow struct {
	ClusterID     string
	Title         string
	Authors       string
	VenueText     string
	Year          int
	CitationCount int
	PubURL        string
	PdfURL        string
}

// Pagination describes whether another page follows.
type Pagination struct {
	HasNext    bool
	NextCursor string
}

// ParsedPage is the successful parse of one Scholar page.
type ParsedPage struct {
	ProfileMeta *ProfileMeta
	Rows        []PublicationRow
	Pagination  Pagination
}

// ParseResult is the tagged union §9's design note calls for: either a
// ParsedPage (Kind == KindOK) or a LayoutError (Kind == KindLayoutError).
// Per §4.4's negative-space contract, a structural failure never yields a
// partial Page — Page is nil whenever Kind != KindOK.
type ParseResult struct {
	Kind      Kind
	Page      *ParsedPage
	ErrorCode LayoutErrorCode
	ErrorMsg  string
}

func ok(page *ParsedPage) ParseResult {
	return ParseResult{Kind: KindOK, Page: page}
}

func layoutError(code LayoutErrorCode, msg string) ParseResult {
	return ParseResult{Kind: KindLayoutError, ErrorCode: code, ErrorMsg: msg}
}

// Parse parses raw page HTML. isFirstPage controls whether profile metadata
// is expected and extracted.
func Parse(body []byte, isFirstPage bool) ParseResult {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return layoutError(CodeUnexpectedToken, fmt.Sprintf("failed to parse document: %v", err))
	}

	rowSel := doc.Find("#gsc_a_b .gsc_a_tr")
	if rowSel.Length() == 0 {
		return layoutError(CodeMissingRows, "no publication rows found under #gsc_a_b")
	}

	rows := make([]PublicationRow, 0, rowSel.Length())
	var parseErr error
	rowSel.Each(func(i int, sel *goquery.Selection) {
		if parseErr != nil {
			return
		}
		row, err := parseRow(sel)
		if err != nil {
			parseErr = err
			return
		}
		rows = append(rows, row)
	})
	if parseErr != nil {
		return layoutError(CodeUnexpectedToken, parseErr.Error())
	}

	var profile *ProfileMeta
	if isFirstPage {
		p, err := parseProfile(doc)
		if err != nil {
			return layoutError(CodeMissingProfile, err.Error())
		}
		profile = p
	}

	return ok(&ParsedPage{
		ProfileMeta: profile,
		Rows:        rows,
		Pagination:  parsePagination(doc),
	})
}

func parseRow(sel *goquery.Selection) (PublicationRow, error) {
	titleAnchor := sel.Find(".gsc_a_at")
	if titleAnchor.Length() == 0 {
		return PublicationRow{}, fmt.Errorf("row missing title anchor")
	}

	title := strings.TrimSpace(titleAnchor.Text())
	pubURL, _ := titleAnchor.Attr("href")
	clusterID := extractClusterID(pubURL)

	grayLines := sel.Find(".gs_gray")
	var authors, venueText string
	if grayLines.Length() > 0 {
		authors = strings.TrimSpace(grayLines.Eq(0).Text())
	}
	if grayLines.Length() > 1 {
		venueText = strings.TrimSpace(grayLines.Eq(1).Text())
	}

	citationCount := 0
	if citeText := strings.TrimSpace(sel.Find(".gsc_a_c a").Text()); citeText != "" {
		if n, err := strconv.Atoi(citeText); err == nil {
			citationCount = n
		}
	}

	year := 0
	if yearText := strings.TrimSpace(sel.Find(".gsc_a_y span").Text()); yearText != "" {
		if n, err := strconv.Atoi(yearText); err == nil {
			year = n
		}
	}

	return PublicationRow{
		ClusterID:     clusterID,
		Title:         title,
		Authors:       authors,
		VenueText:     venueText,
		Year:          year,
		CitationCount: citationCount,
		PubURL:        pubURL,
	}, nil
}

func extractClusterID(pubURL string) string {
	idx := strings.Index(pubURL, "citation_for_view=")
	if idx < 0 {
		return ""
	}
	rest := pubURL[idx+len("citation_for_view="):]
	if amp := strings.Index(rest, "&"); amp >= 0 {
		rest = rest[:amp]
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return rest
}

func parseProfile(doc *goquery.Document) (*ProfileMeta, error) {
	name := strings.TrimSpace(doc.Find("#gsc_prf_in").Text())
	if name == "" {
		return nil, fmt.Errorf("missing display name (#gsc_prf_in)")
	}

	affiliation := strings.TrimSpace(doc.Find(".gsc_prf_il").First().Text())

	var emailDomain string
	doc.Find("#gsc_prf_ivh").Each(func(i int, sel *goquery.Selection) {
		text := sel.Text()
		if strings.Contains(text, "Verified email at") {
			emailDomain = strings.TrimSpace(strings.TrimPrefix(text, "Verified email at"))
		}
	})

	var interests []string
	doc.Find("#gsc_prf_int a").Each(func(i int, sel *goquery.Selection) {
		if t := strings.TrimSpace(sel.Text()); t != "" {
			interests = append(interests, t)
		}
	})

	imageURL, _ := doc.Find("#gsc_prf_pup-img").Attr("src")

	return &ProfileMeta{
		DisplayName:     name,
		Affiliation:     affiliation,
		EmailDomain:     emailDomain,
		Interests:       interests,
		ProfileImageURL: imageURL,
	}, nil
}

func parsePagination(doc *goquery.Document) Pagination {
	showMore := doc.Find("#gsc_bpf_more")
	disabled, _ := showMore.Attr("disabled")
	hasNext := showMore.Length() > 0 && disabled == ""
	return Pagination{HasNext: hasNext}
}
