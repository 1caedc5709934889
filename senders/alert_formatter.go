package senders

import "fmt"

// AlertFormat builds the subject and body for a course-open alert. The
// same body goes to every channel; SMS drops the subject.
type AlertFormat struct {
	Term         string
	CourseNumber string
	ResultsURL   string
}

func (af *AlertFormat) Subject() string {
	return "BruinWatch: Course Open"
}

func (af *AlertFormat) Body() string {
	return fmt.Sprintf(
		"UCLA %s alert: COM SCI %s is enrollable now. %s",
		af.Term, af.CourseNumber, af.ResultsURL,
	)
}
