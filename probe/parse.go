package probe

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

const subjectArea = "COM SCI"

var (
	courseRE   = regexp.MustCompile(`^\d{1,3}$`)
	termRE     = regexp.MustCompile(`^\d{2}[A-Z]$`)
	whitespace = regexp.MustCompile(`\s+`)
)

// NormalizeCourseNumber accepts "31" or "COM SCI 31" and returns the bare
// numeric course number.
func NormalizeCourseNumber(value string) (string, error) {
	normalized := strings.ToUpper(value)
	normalized = strings.ReplaceAll(normalized, subjectArea, "")
	normalized = strings.TrimSpace(normalized)
	if !courseRE.MatchString(normalized) {
		return "", fmt.Errorf("course_number must be %s numeric format (e.g. 31), got %q", subjectArea, value)
	}
	return normalized, nil
}

// NormalizeTerm validates terms like "26S".
func NormalizeTerm(value string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	if !termRE.MatchString(normalized) {
		return "", fmt.Errorf("term must be format like 26S, got %q", value)
	}
	return normalized, nil
}

// ResultsURL is the public schedule page for a term, linked from alerts.
func ResultsURL(baseURL, term string) string {
	return baseURL + "?t=" + url.QueryEscape(term) + "&subj=" + url.QueryEscape(subjectArea)
}

func parseCourse(doc *html.Node, courseNumber, term string) (*CourseStatus, error) {
	rows := htmlquery.Find(doc, `//tr[contains(@class, 'section-row')]`)
	if len(rows) == 0 {
		return nil, fmt.Errorf("no course status returned for %s %s in %s", subjectArea, courseNumber, term)
	}

	status := &CourseStatus{
		CourseNumber: courseNumber,
		CourseTitle:  selectText(doc, `//h3[contains(@class, 'course-title')]`),
		Term:         term,
	}

	// Rows come grouped: a lecture row followed by its discussion rows.
	// A lecture is an enrollable path when it is open and either has no
	// discussions or at least one open discussion.
	var lectureIdx = -1
	flushGroup := func() {
		if lectureIdx < 0 {
			return
		}
		lec := &status.Sections[lectureIdx]
		open := lec.IsOpen
		sawDiscussion := false
		discussionOpen := false
		for _, sec := range status.Sections[lectureIdx+1:] {
			if sec.Kind != kindDiscussion {
				break
			}
			sawDiscussion = true
			discussionOpen = discussionOpen || sec.IsOpen
		}
		enrollable := open && (!sawDiscussion || discussionOpen)
		lec.EnrollablePath = &enrollable
		if enrollable {
			status.IsEnrollable = true
		}
	}

	for _, row := range rows {
		sec := parseSectionRow(row)
		if sec.Kind == kindLecture {
			flushGroup()
			lectureIdx = len(status.Sections)
		}
		status.Sections = append(status.Sections, sec)
	}
	flushGroup()

	return status, nil
}

const (
	kindLecture    = "lecture"
	kindDiscussion = "discussion"
)

func parseSectionRow(row *html.Node) Section {
	name := selectText(row, `.//td[contains(@class, 'section')]`)
	statusText := selectText(row, `.//td[contains(@class, 'status')]`)

	kind := kindDiscussion
	if strings.HasPrefix(name, "Lec") {
		kind = kindLecture
	}

	return Section{
		Name:   name,
		Kind:   kind,
		Status: statusText,
		IsOpen: strings.HasPrefix(statusText, "Open"),
	}
}

func selectText(n *html.Node, xpath string) string {
	node := htmlquery.FindOne(n, xpath)
	return digForText(node)
}

func digForText(n *html.Node) string {
	if n == nil {
		return ""
	}
	buf := new(bytes.Buffer)
	dig(n, buf)
	return compactWhitespace(buf.String())
}

func dig(n *html.Node, buf *bytes.Buffer) {
	if n == nil {
		return
	}
	if n.Type == html.TextNode {
		buf.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		dig(c, buf)
	}
}

func compactWhitespace(s string) string {
	s = whitespace.ReplaceAllString(s, " ")
	s = strings.Trim(s, " ")
	return s
}
